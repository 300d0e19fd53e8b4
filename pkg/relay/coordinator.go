// Package relay routes automerge sync messages between a canonical replica and any number of peers.
//
// The Coordinator is a single-writer actor: the replica, every peer cursor and every outbound write happen on
// the goroutine running Coordinator.Run. Connection handlers only read from their transport and post events.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/hello-automerge/pkg/frame"
	"github.com/astromechza/hello-automerge/pkg/metrics"
	"github.com/astromechza/hello-automerge/pkg/replica"
)

const defaultInboxSize = 256

var (
	// ErrStopped is returned by calls made after the coordinator has begun shutting down.
	ErrStopped = errors.New("coordinator stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("coordinator already running")
)

// Replica is the document the coordinator owns. *replica.Replica implements it.
type Replica interface {
	NewCursor() *replica.Cursor
	GenerateSyncMessage(c *replica.Cursor) (*replica.Frame, bool)
	ReceiveSyncMessage(c *replica.Cursor, f *replica.Frame) error
	Edit(fn func(doc *automerge.Doc) error) error
	Doc() *automerge.Doc
}

// event is the command interface for the Coordinator actor.
type event interface {
	name() string
}

type newConnectionEvent struct {
	transport frame.Transport
	reply     chan PeerID
}

type messageReceivedEvent struct {
	peer  PeerID
	frame *replica.Frame
}

type disconnectedEvent struct {
	peer   PeerID
	cause  string
	reason error
}

type localEditEvent struct {
	edit  func(doc *automerge.Doc) error
	reply chan error
}

type viewEvent struct {
	view  func(doc *automerge.Doc) error
	reply chan error
}

type listPeersEvent struct {
	reply chan []PeerInfo
}

func (newConnectionEvent) name() string   { return "new_connection" }
func (messageReceivedEvent) name() string { return "message_received" }
func (disconnectedEvent) name() string    { return "disconnected" }
func (localEditEvent) name() string       { return "local_edit" }
func (viewEvent) name() string            { return "view" }
func (listPeersEvent) name() string       { return "list_peers" }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInboxSize sets how many events may queue before submitters block.
func WithInboxSize(n int) Option {
	return func(c *Coordinator) { c.inboxSize = n }
}

// WithDisconnectOnMergeError closes a peer whose frame fails to merge. By default only the frame is dropped.
func WithDisconnectOnMergeError(v bool) Option {
	return func(c *Coordinator) { c.disconnectOnMergeError = v }
}

// Coordinator owns the canonical replica and every peer's cursor and routes sync frames between them.
type Coordinator struct {
	replica                Replica
	inboxSize              int
	disconnectOnMergeError bool

	inbox    chan event
	peers    *peerTable
	running  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	handlers sync.WaitGroup
}

// NewCoordinator returns a coordinator for r. Nothing happens until Run is called.
func NewCoordinator(r Replica, opts ...Option) *Coordinator {
	c := &Coordinator{
		replica:   r,
		inboxSize: defaultInboxSize,
		peers:     newPeerTable(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.inboxSize <= 0 {
		c.inboxSize = defaultInboxSize
	}
	c.inbox = make(chan event, c.inboxSize)
	return c
}

// Run processes events until ctx is cancelled. Every transport still registered is closed on the way out.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)
	defer c.shutdown()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coordinator panic recovered", "panic", r)
			err = fmt.Errorf("coordinator panic: %v", r)
		}
	}()

	slog.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.inbox:
			metrics.RelayInboxDepth.Set(float64(len(c.inbox)))
			c.handle(ctx, ev)
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Connect registers a transport as a new peer and starts reading from it. The coordinator owns the transport
// from here on and closes it when the peer goes away.
func (c *Coordinator) Connect(ctx context.Context, t frame.Transport) (PeerID, error) {
	reply := make(chan PeerID, 1)
	if err := c.submit(ctx, newConnectionEvent{transport: t, reply: reply}); err != nil {
		return PeerID{}, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-ctx.Done():
		return PeerID{}, ctx.Err()
	case <-c.done:
		return PeerID{}, ErrStopped
	}
}

// Edit applies a locally originated change to the canonical replica and fans it out to every peer.
func (c *Coordinator) Edit(ctx context.Context, fn func(doc *automerge.Doc) error) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, localEditEvent{edit: fn, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// View runs fn against the canonical document between two events. fn must not keep doc.
func (c *Coordinator) View(ctx context.Context, fn func(doc *automerge.Doc) error) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, viewEvent{view: fn, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Snapshot returns the saved form of the canonical document.
func (c *Coordinator) Snapshot(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.View(ctx, func(doc *automerge.Doc) error {
		out = doc.Save()
		return nil
	})
	return out, err
}

// Peers lists registered peers in registration order.
func (c *Coordinator) Peers(ctx context.Context) ([]PeerInfo, error) {
	reply := make(chan []PeerInfo, 1)
	if err := c.submit(ctx, listPeersEvent{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

func (c *Coordinator) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) submit(ctx context.Context, ev event) error {
	select {
	case <-c.stop:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	start := time.Now()
	defer func() {
		metrics.RelayEventDuration.WithLabelValues(ev.name()).Observe(time.Since(start).Seconds())
	}()

	switch e := ev.(type) {
	case newConnectionEvent:
		e.reply <- c.handleNewConnection(ctx, e.transport)
	case messageReceivedEvent:
		c.handleMessage(e.peer, e.frame)
	case disconnectedEvent:
		if p, ok := c.peers.get(e.peer); ok {
			c.disconnect(p, e.cause, e.reason)
		}
	case localEditEvent:
		err := c.replica.Edit(e.edit)
		e.reply <- err
		if err == nil {
			c.fanOut()
		}
	case viewEvent:
		e.reply <- e.view(c.replica.Doc())
	case listPeersEvent:
		out := make([]PeerInfo, 0, c.peers.len())
		for _, p := range c.peers.list() {
			out = append(out, PeerInfo{ID: p.id, Addr: p.transport.RemoteAddr(), ConnectedAt: p.connectedAt})
		}
		e.reply <- out
	default:
		slog.Warn("coordinator received unknown event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) handleNewConnection(ctx context.Context, t frame.Transport) PeerID {
	p := &peer{
		id:          newPeerID(),
		transport:   t,
		cursor:      c.replica.NewCursor(),
		state:       stateConnecting,
		connectedAt: time.Now(),
	}
	c.peers.add(p)
	p.state = stateActive
	metrics.RelayPeerConnectsTotal.Inc()
	metrics.RelayConnectedPeers.Set(float64(c.peers.len()))
	slog.Info("peer connected", "peer", p.id, "addr", t.RemoteAddr(), "peers", c.peers.len())

	if err := c.sync(p); err != nil {
		c.disconnect(p, "write", err)
		return p.id
	}

	h := &handler{coord: c, peer: p.id, transport: t}
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		h.run(ctx)
	}()
	return p.id
}

func (c *Coordinator) handleMessage(id PeerID, f *replica.Frame) {
	p, ok := c.peers.get(id)
	if !ok {
		slog.Debug("dropping frame from departed peer", "peer", id)
		return
	}
	metrics.RelayFramesReceivedTotal.Inc()
	if err := c.replica.ReceiveSyncMessage(p.cursor, f); err != nil {
		metrics.RelayMergeErrorsTotal.Inc()
		slog.Warn("failed to merge frame", "peer", id, "err", err)
		if c.disconnectOnMergeError {
			c.disconnect(p, "merge", err)
		}
		return
	}
	slog.Debug("merged frame", "peer", id, "changes", f.ChangeCount(), "heads", f.Heads())
	c.fanOut()
}

// fanOut offers every registered peer its next frame. A peer whose write fails is removed after the round so
// the others still get theirs.
func (c *Coordinator) fanOut() {
	var failed []*peer
	var errs []error
	for _, p := range c.peers.list() {
		if err := c.sync(p); err != nil {
			failed = append(failed, p)
			errs = append(errs, err)
		}
	}
	for i, p := range failed {
		c.disconnect(p, "write", errs[i])
	}
}

func (c *Coordinator) sync(p *peer) error {
	f, ok := c.replica.GenerateSyncMessage(p.cursor)
	if !ok {
		return nil
	}
	if err := p.transport.Send(f.Bytes()); err != nil {
		metrics.RelaySendErrorsTotal.Inc()
		return fmt.Errorf("failed to send frame: %w", err)
	}
	metrics.RelayFramesSentTotal.Inc()
	return nil
}

func (c *Coordinator) disconnect(p *peer, cause string, reason error) {
	if p.state == stateDisconnected {
		return
	}
	p.state = stateDisconnected
	c.peers.remove(p.id)
	if err := p.transport.Close(); err != nil {
		slog.Debug("failed to close transport", "peer", p.id, "err", err)
	}
	metrics.RelayPeerDisconnectsTotal.WithLabelValues(cause).Inc()
	metrics.RelayConnectedPeers.Set(float64(c.peers.len()))
	slog.Info("peer disconnected", "peer", p.id, "cause", cause, "err", reason, "peers", c.peers.len())
}

func (c *Coordinator) shutdown() {
	close(c.stop)
	peers := c.peers.list()
	for _, p := range peers {
		c.disconnect(p, "shutdown", nil)
	}
	c.handlers.Wait()
	// Connections that arrived after the last event was handled were never registered.
	for {
		select {
		case ev := <-c.inbox:
			if e, ok := ev.(newConnectionEvent); ok {
				_ = e.transport.Close()
			}
		default:
			slog.Info("coordinator stopped", "disconnected", len(peers))
			return
		}
	}
}
