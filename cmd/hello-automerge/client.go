package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/astromechza/hello-automerge/pkg/client"
	"github.com/astromechza/hello-automerge/pkg/config"
	"github.com/astromechza/hello-automerge/pkg/frame"
	"github.com/astromechza/hello-automerge/pkg/logging"
	"github.com/astromechza/hello-automerge/pkg/replica"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("get"),
	readline.PcItem("set"),
	readline.PcItem("heads"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

// contactStore is what the prompt reads and writes.
type contactStore interface {
	Hydrate(ctx context.Context) (replica.Contact, error)
	Reconcile(ctx context.Context, contact replica.Contact) error
	Heads(ctx context.Context) ([]string, error)
}

func runClient() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, cfg.ListenAddr, frame.WithWriteTimeout(cfg.WriteTimeout), frame.WithMaxFrameSize(uint64(cfg.MaxFrameSize)))
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()
	slog.Info("connected", "addr", cfg.ListenAddr)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to open prompt: %w", err)
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	go func() {
		<-c.Done()
		slog.Error("connection lost", "err", c.Err())
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		} else if err != nil {
			return nil
		}
		quit, err := execute(context.Background(), c, line, os.Stdout)
		if err != nil {
			if errors.Is(err, client.ErrClosed) || c.Err() != nil {
				return c.Err()
			}
			fmt.Fprintln(os.Stdout, err)
		}
		if quit {
			return nil
		}
	}
}

// execute runs one prompt line and reports whether the prompt should exit.
func execute(ctx context.Context, store contactStore, line string, out io.Writer) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "":
		return false, nil
	case "help":
		fmt.Fprintln(out, "commands: get, set <name>, heads, quit")
	case "get":
		contact, err := store.Hydrate(ctx)
		if errors.Is(err, replica.ErrNoContact) {
			fmt.Fprintln(out, "no contact yet")
			return false, nil
		} else if err != nil {
			return false, fmt.Errorf("could not load contact: %w", err)
		}
		fmt.Fprintf(out, "%+v\n", contact)
	case "set":
		if arg == "" {
			return false, errors.New("usage: set <name>")
		}
		if err := store.Reconcile(ctx, replica.Contact{Name: arg}); err != nil {
			return false, fmt.Errorf("could not store contact: %w", err)
		}
	case "heads":
		heads, err := store.Heads(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, strings.Join(heads, " "))
	case "exit", "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}
