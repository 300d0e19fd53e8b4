package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/astromechza/hello-automerge/pkg/frame"
)

// Acceptor hands every inbound stream connection to a Coordinator as a framed transport.
type Acceptor struct {
	coord *Coordinator
	opts  []frame.Option
}

func NewAcceptor(coord *Coordinator, opts ...frame.Option) *Acceptor {
	return &Acceptor{coord: coord, opts: opts}
}

// Serve accepts until ctx is cancelled, which returns nil. Any accept failure before that is returned because
// the listener cannot recover from it.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	slog.Info("accepting connections", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}
		t := frame.NewConn(conn, a.opts...)
		if _, err := a.coord.Connect(ctx, t); err != nil {
			_ = t.Close()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to register connection: %w", err)
		}
	}
}
