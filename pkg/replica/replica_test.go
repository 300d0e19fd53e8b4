package replica

import (
	"errors"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchange passes messages between two replicas until neither has anything left to say.
func exchange(t *testing.T, a *Replica, aCur *Cursor, b *Replica, bCur *Cursor) {
	t.Helper()
	for round := 0; round < 50; round++ {
		moved := false
		if f, ok := a.GenerateSyncMessage(aCur); ok {
			moved = true
			decoded, err := Decode(f.Bytes())
			require.NoError(t, err)
			require.NoError(t, b.ReceiveSyncMessage(bCur, decoded))
		}
		if f, ok := b.GenerateSyncMessage(bCur); ok {
			moved = true
			decoded, err := Decode(f.Bytes())
			require.NoError(t, err)
			require.NoError(t, a.ReceiveSyncMessage(aCur, decoded))
		}
		if !moved {
			return
		}
	}
	t.Fatal("replicas did not go quiet")
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

func TestReplica_ConvergesConcurrentEdits(t *testing.T) {
	a, b := New(), New()
	aCur, bCur := a.NewCursor(), b.NewCursor()

	require.NoError(t, a.Edit(func(doc *automerge.Doc) error { return doc.Path("x").Set(int64(1)) }))
	require.NoError(t, b.Edit(func(doc *automerge.Doc) error { return doc.Path("y").Set(int64(1)) }))
	require.NoError(t, b.Edit(func(doc *automerge.Doc) error { return doc.Path("x").Set(int64(2)) }))

	exchange(t, a, aCur, b, bCur)

	assert.Equal(t, a.Heads(), b.Heads())
	assert.NotEmpty(t, a.Heads())
	assert.Equal(t, plain(t, a.Doc()), plain(t, b.Doc()))
	assert.Len(t, plain(t, b.Doc()), 2)
}

func TestReplica_GenerateIsIdempotentWithoutChanges(t *testing.T) {
	a, b := New(), New()
	aCur, bCur := a.NewCursor(), b.NewCursor()
	require.NoError(t, a.Edit(func(doc *automerge.Doc) error { return ReconcileContact(doc, Contact{Name: "Alice"}) }))
	exchange(t, a, aCur, b, bCur)

	_, ok := a.GenerateSyncMessage(aCur)
	assert.False(t, ok)
	_, ok = a.GenerateSyncMessage(aCur)
	assert.False(t, ok)
}

func TestReplica_SecondGenerateWaitsForReply(t *testing.T) {
	a := New()
	cur := a.NewCursor()
	require.NoError(t, a.Edit(func(doc *automerge.Doc) error { return doc.Path("x").Set("y") }))

	_, ok := a.GenerateSyncMessage(cur)
	require.True(t, ok)
	_, ok = a.GenerateSyncMessage(cur)
	assert.False(t, ok)
}

func TestReplica_ForeignCursor(t *testing.T) {
	a, b := New(), New()
	bCur := b.NewCursor()
	require.NoError(t, b.Edit(func(doc *automerge.Doc) error { return doc.Path("x").Set("y") }))
	f, ok := b.GenerateSyncMessage(bCur)
	require.True(t, ok)

	assert.ErrorIs(t, a.ReceiveSyncMessage(bCur, f), ErrForeignCursor)
	_, ok = a.GenerateSyncMessage(bCur)
	assert.False(t, ok)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02})
	assert.Error(t, err)
}

func TestContact_RoundTrip(t *testing.T) {
	r := New()
	_, err := HydrateContact(r.Doc())
	assert.ErrorIs(t, err, ErrNoContact)

	require.NoError(t, r.Edit(func(doc *automerge.Doc) error { return ReconcileContact(doc, Contact{Name: "Alice"}) }))
	c, err := HydrateContact(r.Doc())
	require.NoError(t, err)
	assert.Equal(t, Contact{Name: "Alice"}, c)
}

func TestContact_WrongKind(t *testing.T) {
	r := New()
	require.NoError(t, r.Edit(func(doc *automerge.Doc) error { return doc.Path("name").Set(int64(3)) }))
	_, err := HydrateContact(r.Doc())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoContact)
}

func TestReplica_FailedEditLeavesDocUnchanged(t *testing.T) {
	r := New()
	require.NoError(t, r.Edit(func(doc *automerge.Doc) error { return ReconcileContact(doc, Contact{Name: "Alice"}) }))
	heads := r.Heads()

	boom := errors.New("boom")
	err := r.Edit(func(doc *automerge.Doc) error {
		require.NoError(t, doc.Path("name").Set("Leaked"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, heads, r.Heads())
	c, err := HydrateContact(r.Doc())
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.Name)

	// Nothing pending either: a fresh peer only ever sees Alice.
	peer := New()
	exchange(t, r, r.NewCursor(), peer, peer.NewCursor())
	assert.Equal(t, heads, peer.Heads())
	c, err = HydrateContact(peer.Doc())
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.Name)
}

func TestReplica_EditKeepsActor(t *testing.T) {
	r := New()
	actor := r.Doc().ActorID()
	require.NoError(t, r.Edit(func(doc *automerge.Doc) error { return doc.Path("x").Set(int64(1)) }))
	require.NoError(t, r.Edit(func(doc *automerge.Doc) error { return doc.Path("x").Set(int64(2)) }))

	changes, err := r.Doc().Changes()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for i, ch := range changes {
		assert.Equal(t, actor, ch.ActorID())
		assert.Equal(t, uint64(i+1), ch.ActorSeq())
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.Edit(func(doc *automerge.Doc) error { return ReconcileContact(doc, Contact{Name: "Bob"}) }))

	loaded, err := Load(r.Save())
	require.NoError(t, err)
	assert.Equal(t, r.Heads(), loaded.Heads())
	c, err := HydrateContact(loaded.Doc())
	require.NoError(t, err)
	assert.Equal(t, "Bob", c.Name)
}
