package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/hello-automerge/pkg/frame"
	"github.com/astromechza/hello-automerge/pkg/replica"
)

// PeerID is an opaque handle for one connection. Handles are never reused, so a late event from a
// disconnected peer cannot be routed to a newer one.
type PeerID struct {
	id uuid.UUID
}

func newPeerID() PeerID {
	return PeerID{id: uuid.New()}
}

func (p PeerID) String() string {
	return p.id.String()
}

func (p PeerID) IsZero() bool {
	return p.id == uuid.Nil
}

type peerState int

const (
	stateConnecting peerState = iota
	stateActive
	stateDisconnected
)

func (s peerState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateActive:
		return "active"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type peer struct {
	id          PeerID
	transport   frame.Transport
	cursor      *replica.Cursor
	state       peerState
	connectedAt time.Time
}

// PeerInfo describes a registered peer.
type PeerInfo struct {
	ID          PeerID
	Addr        string
	ConnectedAt time.Time
}

// peerTable keeps peers in registration order.
type peerTable struct {
	order []PeerID
	byID  map[PeerID]*peer
}

func newPeerTable() *peerTable {
	return &peerTable{byID: make(map[PeerID]*peer)}
}

func (t *peerTable) add(p *peer) {
	t.order = append(t.order, p.id)
	t.byID[p.id] = p
}

func (t *peerTable) get(id PeerID) (*peer, bool) {
	p, ok := t.byID[id]
	return p, ok
}

func (t *peerTable) remove(id PeerID) {
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, other := range t.order {
		if other == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// list returns a copy of the registered peers so callers may remove entries while iterating.
func (t *peerTable) list() []*peer {
	out := make([]*peer, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

func (t *peerTable) len() int {
	return len(t.order)
}
