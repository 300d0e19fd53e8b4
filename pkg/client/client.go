// Package client is the peer side of the relay: a local replica kept in sync with the relay's canonical one.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/hello-automerge/pkg/frame"
	"github.com/astromechza/hello-automerge/pkg/replica"
)

// maxFlush bounds the messages generated in one burst. The sync protocol sends one message per round trip so
// this is only reached if the peer state is inconsistent.
const maxFlush = 16

var ErrClosed = errors.New("client closed")

// Client owns a replica and its cursor on a single goroutine. Reads from the transport happen on a second
// goroutine that only decodes frames and forwards them.
type Client struct {
	transport frame.Transport
	replica   *replica.Replica
	cursor    *replica.Cursor

	cmds    chan func()
	inbound chan *replica.Frame
	readErr chan error
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	sendErr   error
	err       error
}

// Dial connects to a relay listening at addr.
func Dial(ctx context.Context, addr string, opts ...frame.Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return New(frame.NewConn(conn, opts...)), nil
}

// New starts a client over an established transport and uploads whatever the local replica holds.
func New(t frame.Transport) *Client {
	r := replica.New()
	c := &Client{
		transport: t,
		replica:   r,
		cursor:    r.NewCursor(),
		cmds:      make(chan func()),
		inbound:   make(chan *replica.Frame, 16),
		readErr:   make(chan error, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.read()
	go c.run()
	return c
}

func (c *Client) read() {
	for {
		raw, err := c.transport.Receive()
		if err != nil {
			c.readErr <- fmt.Errorf("failed to receive frame: %w", err)
			return
		}
		f, err := replica.Decode(raw)
		if err != nil {
			c.readErr <- err
			return
		}
		select {
		case c.inbound <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) run() {
	c.flush()
	for c.sendErr == nil {
		select {
		case f := <-c.inbound:
			if err := c.replica.ReceiveSyncMessage(c.cursor, f); err != nil {
				slog.Warn("failed to merge frame", "err", err)
				continue
			}
			slog.Debug("applied frame", "changes", f.ChangeCount(), "heads", c.replica.Heads())
			c.flush()
		case cmd := <-c.cmds:
			cmd()
		case err := <-c.readErr:
			c.finish(err)
			return
		case <-c.closing:
			c.finish(ErrClosed)
			return
		}
	}
	c.finish(c.sendErr)
}

func (c *Client) finish(err error) {
	select {
	case <-c.closing:
		err = ErrClosed
	default:
	}
	c.err = err
	_ = c.transport.Close()
	close(c.done)
}

// flush sends every message the relay is due. A send failure stops the client.
func (c *Client) flush() {
	for i := 0; i < maxFlush && c.sendErr == nil; i++ {
		f, ok := c.replica.GenerateSyncMessage(c.cursor)
		if !ok {
			return
		}
		if err := c.transport.Send(f.Bytes()); err != nil {
			c.sendErr = fmt.Errorf("failed to send frame: %w", err)
		}
	}
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

// Edit applies fn to the local replica and uploads the result.
func (c *Client) Edit(ctx context.Context, fn func(doc *automerge.Doc) error) error {
	return c.do(ctx, func() error {
		if err := c.replica.Edit(fn); err != nil {
			return err
		}
		c.flush()
		return c.sendErr
	})
}

// Reconcile stores contact in the local replica and uploads it.
func (c *Client) Reconcile(ctx context.Context, contact replica.Contact) error {
	return c.Edit(ctx, func(doc *automerge.Doc) error {
		return replica.ReconcileContact(doc, contact)
	})
}

// Hydrate reads the contact from the local replica.
func (c *Client) Hydrate(ctx context.Context) (replica.Contact, error) {
	var out replica.Contact
	err := c.do(ctx, func() error {
		var err error
		out, err = replica.HydrateContact(c.replica.Doc())
		return err
	})
	return out, err
}

// Heads returns the sorted heads of the local replica.
func (c *Client) Heads(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, func() error {
		out = c.replica.Heads()
		return nil
	})
	return out, err
}

func (c *Client) Save(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func() error {
		out = c.replica.Save()
		return nil
	})
	return out, err
}

// Done is closed when the client stops, either through Close or because the connection failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped, or nil while it is running.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close stops the client and closes its transport, which also unblocks a send in flight.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.transport.Close()
	})
	<-c.done
	return nil
}
