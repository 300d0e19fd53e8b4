package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/astromechza/hello-automerge/pkg/frame"
	"github.com/astromechza/hello-automerge/pkg/replica"
)

var ErrMalformedFrame = errors.New("malformed frame")

// handler pumps one peer's inbound frames into the coordinator. It never writes to the transport.
type handler struct {
	coord     *Coordinator
	peer      PeerID
	transport frame.Transport
}

func (h *handler) run(ctx context.Context) {
	err := h.pump(ctx)
	if errors.Is(err, ErrStopped) || ctx.Err() != nil {
		return
	}
	_ = h.coord.submit(ctx, disconnectedEvent{peer: h.peer, cause: disconnectCause(err), reason: err})
}

func (h *handler) pump(ctx context.Context) error {
	for {
		raw, err := h.transport.Receive()
		if err != nil {
			return fmt.Errorf("failed to receive frame: %w", err)
		}
		f, err := replica.Decode(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		if err := h.coord.submit(ctx, messageReceivedEvent{peer: h.peer, frame: f}); err != nil {
			return err
		}
	}
}

func disconnectCause(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrMalformedFrame):
		return "decode"
	case errors.Is(err, frame.ErrFrameTooLarge):
		return "decode"
	case errors.Is(err, io.EOF):
		return "closed"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "read"
	}
}
