package collab

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id   string
	user string

	mu     sync.Mutex
	events []interface{}
	fail   bool
}

func newFakePeer(id, user string) *fakePeer {
	return &fakePeer{id: id, user: user}
}

func (p *fakePeer) PeerID() string { return p.id }
func (p *fakePeer) UserID() string { return p.user }

func (p *fakePeer) Send(event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("send buffer full")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePeer) received() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, len(p.events))
	copy(out, p.events)
	return out
}

func TestPublishSkipsOriginator(t *testing.T) {
	b := New()
	alice := newFakePeer("c1", "alice")
	bob := newFakePeer("c2", "bob")
	carol := newFakePeer("c3", "carol")
	b.Join("proj-1", alice)
	b.Join("proj-1", bob)
	b.Join("proj-1", carol)

	b.Publish("proj-1", "file_changed:/main.go", "c1")

	assert.Empty(t, alice.received())
	assert.Len(t, bob.received(), 1)
	assert.Len(t, carol.received(), 1)
}

func TestPublishIsolatedPerProject(t *testing.T) {
	b := New()
	alice := newFakePeer("c1", "alice")
	bob := newFakePeer("c2", "bob")
	b.Join("proj-1", alice)
	b.Join("proj-2", bob)

	b.Publish("proj-1", "event", "nobody")

	assert.Len(t, alice.received(), 1)
	assert.Empty(t, bob.received())
}

// One failing peer never costs the others their delivery.
func TestPublishBestEffort(t *testing.T) {
	b := New()
	broken := newFakePeer("c1", "alice")
	broken.fail = true
	healthy := newFakePeer("c2", "bob")
	b.Join("proj-1", broken)
	b.Join("proj-1", healthy)

	b.Publish("proj-1", "event", "origin")
	assert.Len(t, healthy.received(), 1)
}

func TestLeaveStopsDelivery(t *testing.T) {
	b := New()
	alice := newFakePeer("c1", "alice")
	bob := newFakePeer("c2", "bob")
	b.Join("proj-1", alice)
	b.Join("proj-1", bob)

	b.Leave("proj-1", "c2")
	b.Publish("proj-1", "event", "none")

	assert.Len(t, alice.received(), 1)
	assert.Empty(t, bob.received())
	assert.Equal(t, 1, b.Size("proj-1"))

	// last one out removes the room
	b.Leave("proj-1", "c1")
	assert.Zero(t, b.Size("proj-1"))
}

func TestRosterCarriesAwareness(t *testing.T) {
	b := New()
	alice := newFakePeer("c1", "alice")
	bob := newFakePeer("c2", "bob")
	b.Join("proj-1", alice)
	b.Join("proj-1", bob)

	b.UpdateAwareness("proj-1", "c1", Awareness{UserID: "alice", File: "/main.go", Line: 42})

	roster := b.Roster("proj-1")
	require.Len(t, roster, 2)

	byPeer := map[string]RosterEntry{}
	for _, e := range roster {
		byPeer[e.PeerID] = e
	}
	require.NotNil(t, byPeer["c1"].Awareness)
	assert.Equal(t, "/main.go", byPeer["c1"].Awareness.File)
	assert.Equal(t, 42, byPeer["c1"].Awareness.Line)
	assert.False(t, byPeer["c1"].Awareness.UpdatedAt.IsZero())
	assert.Nil(t, byPeer["c2"].Awareness)

	// the update itself fanned out to everyone else
	assert.Len(t, bob.received(), 1)
	assert.Empty(t, alice.received())
}

func TestAwarenessIgnoredForNonMembers(t *testing.T) {
	b := New()
	alice := newFakePeer("c1", "alice")
	b.Join("proj-1", alice)

	b.UpdateAwareness("proj-1", "ghost", Awareness{UserID: "ghost"})
	assert.Empty(t, alice.received())
	roster := b.Roster("proj-1")
	require.Len(t, roster, 1)
	assert.Nil(t, roster[0].Awareness)
}

func TestRejoinReplacesPeer(t *testing.T) {
	b := New()
	old := newFakePeer("c1", "alice")
	b.Join("proj-1", old)

	replacement := newFakePeer("c1", "alice")
	b.Join("proj-1", replacement)
	assert.Equal(t, 1, b.Size("proj-1"))

	b.Publish("proj-1", "event", "other")
	assert.Empty(t, old.received())
	assert.Len(t, replacement.received(), 1)
}
