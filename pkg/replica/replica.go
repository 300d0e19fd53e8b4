// Package replica wraps an automerge document and the per-peer sync states used to converge it.
//
// Nothing in this package is safe for concurrent use. A Replica and every Cursor made from it must be owned by
// a single goroutine.
package replica

import (
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// ErrForeignCursor is returned when a cursor is used with a replica other than the one that made it.
var ErrForeignCursor = errors.New("cursor belongs to a different replica")

// Frame is a decoded sync message.
type Frame struct {
	msg *automerge.SyncMessage
	raw []byte
}

// Decode parses a sync message produced by any automerge peer.
func Decode(raw []byte) (*Frame, error) {
	msg, err := automerge.LoadSyncMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sync message: %w", err)
	}
	return &Frame{msg: msg, raw: raw}, nil
}

// Bytes returns the encoded message.
func (f *Frame) Bytes() []byte {
	if f.raw == nil {
		f.raw = f.msg.Bytes()
	}
	return f.raw
}

// Heads returns the sender's heads as hex strings.
func (f *Frame) Heads() []string {
	return hashStrings(f.msg.Heads())
}

// ChangeCount is the number of changes carried by the frame.
func (f *Frame) ChangeCount() int {
	return len(f.msg.Changes())
}

// Cursor tracks what one peer is known to have seen of its Replica.
type Cursor struct {
	owner *Replica
	state *automerge.SyncState
}

type Replica struct {
	doc *automerge.Doc
}

func New() *Replica {
	return &Replica{doc: automerge.New()}
}

// Load restores a replica from a snapshot produced by Save.
func Load(raw []byte) (*Replica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &Replica{doc: doc}, nil
}

// NewCursor returns an empty convergence state for a newly connected peer.
func (r *Replica) NewCursor() *Cursor {
	return &Cursor{owner: r, state: automerge.NewSyncState(r.doc)}
}

// GenerateSyncMessage returns the next message the cursor's peer needs, or false when the peer is current or
// a previous message is still unanswered.
func (r *Replica) GenerateSyncMessage(c *Cursor) (*Frame, bool) {
	if c.owner != r {
		return nil, false
	}
	msg, valid := c.state.GenerateMessage()
	if !valid || msg == nil {
		return nil, false
	}
	return &Frame{msg: msg}, true
}

// ReceiveSyncMessage merges f into the replica and advances the cursor.
func (r *Replica) ReceiveSyncMessage(c *Cursor, f *Frame) error {
	if c.owner != r {
		return ErrForeignCursor
	}
	if _, err := c.state.ReceiveMessage(f.Bytes()); err != nil {
		return fmt.Errorf("failed to receive message: %w", err)
	}
	return nil
}

// Edit runs fn against a fork of the document and merges the committed result back. If fn or the commit fails
// the document is left as it was.
func (r *Replica) Edit(fn func(doc *automerge.Doc) error) error {
	fork, err := r.doc.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork doc: %w", err)
	}
	// Keep authorship on one actor so the fork's change continues this replica's sequence.
	if err := fork.SetActorID(r.doc.ActorID()); err != nil {
		return fmt.Errorf("failed to set actor: %w", err)
	}
	if err := fn(fork); err != nil {
		return err
	}
	if _, err := fork.Commit("edit"); err != nil {
		return fmt.Errorf("failed to commit doc: %w", err)
	}
	if _, err := r.doc.Merge(fork); err != nil {
		return fmt.Errorf("failed to merge edit: %w", err)
	}
	return nil
}

// Doc exposes the document for reads.
func (r *Replica) Doc() *automerge.Doc {
	return r.doc
}

func (r *Replica) Save() []byte {
	return r.doc.Save()
}

// Heads returns the sorted hex heads of the document. Two replicas holding the same changes have equal heads.
func (r *Replica) Heads() []string {
	return hashStrings(r.doc.Heads())
}

func hashStrings(hashes []automerge.ChangeHash) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}
