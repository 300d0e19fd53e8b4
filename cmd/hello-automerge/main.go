package main

import (
	"fmt"
	"log/slog"
	"os"
)

const usage = "usage: hello-automerge <client|server|inspect <file>>"

func main() {
	if err := mainInner(os.Args[1:]); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner(args []string) error {
	if len(args) == 0 {
		fmt.Println(usage)
		return nil
	}
	switch args[0] {
	case "server":
		return runServer()
	case "client":
		return runClient()
	case "inspect":
		return runInspect(args[1:])
	default:
		fmt.Println(usage)
		return nil
	}
}
