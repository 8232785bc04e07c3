// Package room tracks which connections are in which project room, owns
// each room's run session and fans events out to members.
package room

import (
	"sync"
	"time"

	"github.com/p-blackswan/collabhub/internal/chat"
	"github.com/p-blackswan/collabhub/internal/exechost"
	"github.com/p-blackswan/collabhub/internal/identity"
)

// Conn is one client connection as seen by a room.
type Conn interface {
	// ID is unique per connection for the process lifetime.
	ID() string
	Identity() identity.Identity
	// Send queues ev for delivery without blocking. It reports false if
	// the event was dropped.
	Send(ev chat.Event) bool
}

// Room is the live state of one project: its members and run session.
// The working file tree lives in the filetree.Store under the same id.
type Room struct {
	ProjectID string
	CreatedAt time.Time

	mu      sync.RWMutex
	members map[string]Conn
	users   map[string]struct{}
	closing bool
	evicted chan struct{}

	run *exechost.RunSession
}

func newRoom(projectID string, users []string, run *exechost.RunSession) *Room {
	r := &Room{
		ProjectID: projectID,
		CreatedAt: time.Now(),
		members:   make(map[string]Conn),
		users:     make(map[string]struct{}, len(users)),
		evicted:   make(chan struct{}),
		run:       run,
	}
	for _, u := range users {
		r.users[u] = struct{}{}
	}
	return r
}

// Run returns the room's run session.
func (r *Room) Run() *exechost.RunSession { return r.run }

// Size returns the member count.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a snapshot of the current members.
func (r *Room) Members() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

// Has reports whether conn is a member.
func (r *Room) Has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

// Allowed reports whether id may join the room. The agent service
// account may join every room.
func (r *Room) Allowed(id identity.Identity) bool {
	if id.IsAgent() {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[id.UserID]
	return ok
}

// Grant adds collaborators to a resident room.
func (r *Room) Grant(userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range userIDs {
		r.users[u] = struct{}{}
	}
}

// Send delivers ev to every member except the one with excludeID and
// returns how many accepted it.
func (r *Room) Send(ev chat.Event, excludeID string) int {
	n := 0
	for _, c := range r.Members() {
		if c.ID() == excludeID {
			continue
		}
		if c.Send(ev) {
			n++
		}
	}
	return n
}
