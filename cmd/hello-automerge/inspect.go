package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/hello-automerge/pkg/logging"
	"github.com/astromechza/hello-automerge/pkg/replica"
	"github.com/astromechza/hello-automerge/pkg/viz"
)

// runInspect prints what a dumped snapshot holds: contents and heads to the log, the change graph as DOT on
// stdout.
func runInspect(args []string) error {
	logging.InitLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if len(args) != 1 {
		return errors.New("expected one position argument: the file to read")
	}
	buff, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	r, err := replica.Load(buff)
	if err != nil {
		return err
	}
	doc := r.Doc()
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", r.Heads())

	nodes, err := viz.History(doc, "name")
	if err != nil {
		return err
	}
	for i, n := range nodes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", n.Hash, "dep", n.Deps)
	}
	return viz.WriteDot(os.Stdout, doc, "name")
}
