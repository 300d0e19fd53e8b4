package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/hello-automerge/pkg/admin"
	"github.com/astromechza/hello-automerge/pkg/config"
	"github.com/astromechza/hello-automerge/pkg/frame"
	"github.com/astromechza/hello-automerge/pkg/logging"
	"github.com/astromechza/hello-automerge/pkg/relay"
	"github.com/astromechza/hello-automerge/pkg/replica"
	"github.com/astromechza/hello-automerge/pkg/viz"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	canonical := replica.New()
	coord := relay.NewCoordinator(
		canonical,
		relay.WithInboxSize(cfg.InboxSize),
		relay.WithDisconnectOnMergeError(cfg.DisconnectOnMergeError),
	)
	frameOpts := []frame.Option{
		frame.WithReadTimeout(cfg.ReadTimeout),
		frame.WithWriteTimeout(cfg.WriteTimeout),
		frame.WithMaxFrameSize(uint64(cfg.MaxFrameSize)),
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	slog.Info("listening", "addr", ln.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)
	errs := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil {
			errs <- fmt.Errorf("coordinator failed: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.NewAcceptor(coord, frameOpts...).Serve(ctx, ln); err != nil {
			errs <- err
		}
	}()

	var httpServer *http.Server
	if cfg.AdminAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           admin.NewRouter(coord, frameOpts...),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("admin listening", "addr", cfg.AdminAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("admin server failed: %w", err)
			}
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case runErr = <-errs:
		slog.Error("shutting down", "err", runErr)
	}
	cancel()
	if httpServer != nil {
		_ = httpServer.Close()
	}
	wg.Wait()

	// The coordinator has stopped so the canonical replica has no other owner now.
	if cfg.DumpOnExit {
		dump(canonical)
	}
	return runErr
}

func dump(canonical *replica.Replica) {
	f, err := os.CreateTemp("", "hello-automerge-*.automerge")
	if err != nil {
		slog.Error("failed to dump", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(canonical.Save()); err != nil {
		slog.Error("failed to dump", "err", err)
		return
	}
	slog.Info("dumped", "path", f.Name(), "heads", canonical.Heads())
	if svgPath, err := viz.RenderToTemp(canonical.Doc(), "name"); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
}
