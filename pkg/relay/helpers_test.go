package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/hello-automerge/pkg/replica"
)

var errInjected = errors.New("injected failure")

// memTransport is the relay's end of an in-memory pipe. in carries frames towards the relay, out carries
// frames the relay sent.
type memTransport struct {
	addr     string
	in       chan []byte
	out      chan []byte
	closed   chan struct{}
	once     sync.Once
	failSend atomic.Bool
	sends    atomic.Int64
}

func newMemTransport(addr string) *memTransport {
	return &memTransport{
		addr:   addr,
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (m *memTransport) Send(payload []byte) error {
	if m.failSend.Load() {
		return errInjected
	}
	select {
	case <-m.closed:
		return io.ErrClosedPipe
	default:
	}
	m.sends.Add(1)
	m.out <- append([]byte(nil), payload...)
	return nil
}

func (m *memTransport) Receive() ([]byte, error) {
	select {
	case b := <-m.in:
		return b, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *memTransport) RemoteAddr() string {
	return m.addr
}

func (m *memTransport) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// peerSide flips a memTransport so a client can sit on the other end of it.
type peerSide struct {
	m *memTransport
}

func (p peerSide) Send(payload []byte) error {
	select {
	case p.m.in <- append([]byte(nil), payload...):
		return nil
	case <-p.m.closed:
		return io.ErrClosedPipe
	}
}

func (p peerSide) Receive() ([]byte, error) {
	select {
	case b := <-p.m.out:
		return b, nil
	case <-p.m.closed:
		return nil, io.EOF
	}
}

func (p peerSide) Close() error      { return p.m.Close() }
func (p peerSide) RemoteAddr() string { return "relay" }

// rawPeer is a peer replica driven by hand from the test goroutine.
type rawPeer struct {
	id  PeerID
	tr  *memTransport
	rep *replica.Replica
	cur *replica.Cursor
}

func newRawPeer(addr string) *rawPeer {
	rep := replica.New()
	return &rawPeer{tr: newMemTransport(addr), rep: rep, cur: rep.NewCursor()}
}

// received merges every frame the relay has sent so far and returns them.
func (p *rawPeer) received(t *testing.T) []*replica.Frame {
	t.Helper()
	var out []*replica.Frame
	for {
		select {
		case raw := <-p.tr.out:
			f, err := replica.Decode(raw)
			require.NoError(t, err)
			require.NoError(t, p.rep.ReceiveSyncMessage(p.cur, f))
			out = append(out, f)
		default:
			return out
		}
	}
}

// drain is received for callers that only need the count.
func (p *rawPeer) drain(t *testing.T) int {
	t.Helper()
	return len(p.received(t))
}

// answer drains the relay's frames and pushes the peer's next message back, reporting whether it did.
func (p *rawPeer) answer(t *testing.T) bool {
	t.Helper()
	p.drain(t)
	f, ok := p.rep.GenerateSyncMessage(p.cur)
	if !ok {
		return false
	}
	p.tr.in <- f.Bytes()
	return true
}

func (p *rawPeer) edit(t *testing.T, fn func(doc *automerge.Doc) error) {
	t.Helper()
	require.NoError(t, p.rep.Edit(fn))
}

func (p *rawPeer) contact(t *testing.T) replica.Contact {
	t.Helper()
	c, err := replica.HydrateContact(p.rep.Doc())
	require.NoError(t, err)
	return c
}

// faultyReplica fails merges on demand.
type faultyReplica struct {
	*replica.Replica
	failMerge bool
}

func (f *faultyReplica) ReceiveSyncMessage(c *replica.Cursor, fr *replica.Frame) error {
	if f.failMerge {
		return errInjected
	}
	return f.Replica.ReceiveSyncMessage(c, fr)
}

// harness drives a Coordinator's handlers from the test goroutine instead of Run, so every step is
// deterministic.
type harness struct {
	t     *testing.T
	ctx   context.Context
	coord *Coordinator
	canon *replica.Replica
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	canon := replica.New()
	return newHarnessWith(t, canon, canon, opts...)
}

func newHarnessWith(t *testing.T, r Replica, canon *replica.Replica, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &harness{t: t, ctx: ctx, coord: NewCoordinator(r, opts...), canon: canon}
}

func (h *harness) connect(p *rawPeer) {
	h.t.Helper()
	reply := make(chan PeerID, 1)
	h.coord.handle(h.ctx, newConnectionEvent{transport: p.tr, reply: reply})
	p.id = <-reply
	h.t.Cleanup(func() { _ = p.tr.Close() })
}

// next waits for the event a handler goroutine is about to post.
func (h *harness) next() event {
	h.t.Helper()
	select {
	case ev := <-h.coord.inbox:
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for coordinator event")
		return nil
	}
}

// settle lets every peer answer the relay until nobody has anything left to send.
func (h *harness) settle(peers ...*rawPeer) {
	h.t.Helper()
	for round := 0; round < 100; round++ {
		pushed := 0
		for _, p := range peers {
			if p.answer(h.t) {
				pushed++
			}
		}
		if pushed == 0 {
			return
		}
		// Handlers of peers closed earlier may still post their disconnect, so count only frames.
		for handled := 0; handled < pushed; {
			ev := h.next()
			h.coord.handle(h.ctx, ev)
			if _, ok := ev.(messageReceivedEvent); ok {
				handled++
			}
		}
	}
	h.t.Fatal("relay did not settle")
}

func (h *harness) localEdit(fn func(doc *automerge.Doc) error) {
	h.t.Helper()
	reply := make(chan error, 1)
	h.coord.handle(h.ctx, localEditEvent{edit: fn, reply: reply})
	require.NoError(h.t, <-reply)
}

// plain converts the root map into ordinary Go values so documents compare independent of key order.
func plain(t *testing.T, doc *automerge.Doc) map[string]any {
	t.Helper()
	values, err := doc.RootMap().Values()
	require.NoError(t, err)
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v.Interface()
	}
	return out
}

func setName(name string) func(doc *automerge.Doc) error {
	return func(doc *automerge.Doc) error {
		return replica.ReconcileContact(doc, replica.Contact{Name: name})
	}
}
