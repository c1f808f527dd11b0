// Package collab fans project-scoped events out to every IDE connection in
// the same project room. Rooms track a roster of peers plus their awareness
// records (focused file, cursor, selection) so a joining client sees who else
// is editing what.
package collab

import (
	"log/slog"
	"sync"
	"time"
)

// Peer is one fan-out target. The gateway connection implements it; Send must
// be non-blocking or internally buffered, and its error means the peer missed
// this event, nothing more.
type Peer interface {
	PeerID() string
	UserID() string
	Send(event interface{}) error
}

// Awareness is a peer's presence record, replaced wholesale on every update.
type Awareness struct {
	UserID    string    `json:"user_id"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line,omitempty"`
	Column    int       `json:"column,omitempty"`
	Selection string    `json:"selection,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RosterEntry is what auth_ack reports per peer already in the room.
type RosterEntry struct {
	PeerID    string     `json:"peer_id"`
	UserID    string     `json:"user_id"`
	Awareness *Awareness `json:"awareness,omitempty"`
}

type room struct {
	peers     map[string]Peer
	awareness map[string]*Awareness
}

// Broadcaster owns one room per project. Empty rooms are removed on the last
// Leave, so memory tracks live collaboration only.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	logger *slog.Logger
}

func New() *Broadcaster {
	return &Broadcaster{
		rooms:  make(map[string]*room),
		logger: slog.With("component", "collab"),
	}
}

// Join adds a peer to the project room, creating the room on first entry.
// Re-joining with the same peer id replaces the previous registration.
func (b *Broadcaster) Join(project string, p Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[project]
	if !ok {
		r = &room{peers: make(map[string]Peer), awareness: make(map[string]*Awareness)}
		b.rooms[project] = r
	}
	r.peers[p.PeerID()] = p
}

// Leave removes a peer and its awareness record. The last peer out tears the
// room down.
func (b *Broadcaster) Leave(project, peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[project]
	if !ok {
		return
	}
	delete(r.peers, peerID)
	delete(r.awareness, peerID)
	if len(r.peers) == 0 {
		delete(b.rooms, project)
	}
}

// Publish delivers an event to every peer in the room except the originator.
// Delivery is best effort: a peer whose send fails is skipped, never retried,
// and never blocks the rest of the room.
func (b *Broadcaster) Publish(project string, event interface{}, originatorID string) {
	b.mu.RLock()
	r, ok := b.rooms[project]
	if !ok {
		b.mu.RUnlock()
		return
	}
	targets := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == originatorID {
			continue
		}
		targets = append(targets, p)
	}
	b.mu.RUnlock()

	for _, p := range targets {
		if err := p.Send(event); err != nil {
			b.logger.Debug("peer missed event", "project", project, "peer", p.PeerID(), "error", err)
		}
	}
}

// UpdateAwareness replaces a peer's presence record and fans it out to the
// rest of the room.
func (b *Broadcaster) UpdateAwareness(project, peerID string, a Awareness) {
	a.UpdatedAt = time.Now()

	b.mu.Lock()
	r, ok := b.rooms[project]
	if ok {
		if _, member := r.peers[peerID]; member {
			cp := a
			r.awareness[peerID] = &cp
		} else {
			ok = false
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	b.Publish(project, map[string]interface{}{
		"type":      "awareness",
		"peer_id":   peerID,
		"awareness": a,
	}, peerID)
}

// Roster lists the room's peers, awareness included where known.
func (b *Broadcaster) Roster(project string) []RosterEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[project]
	if !ok {
		return nil
	}
	out := make([]RosterEntry, 0, len(r.peers))
	for id, p := range r.peers {
		entry := RosterEntry{PeerID: id, UserID: p.UserID()}
		if a, has := r.awareness[id]; has {
			cp := *a
			entry.Awareness = &cp
		}
		out = append(out, entry)
	}
	return out
}

// Size reports how many peers a room holds.
func (b *Broadcaster) Size(project string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rooms[project]; ok {
		return len(r.peers)
	}
	return 0
}
