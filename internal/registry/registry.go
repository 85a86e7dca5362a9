// Package registry tracks per-username shell bookkeeping: how many shells a
// user currently has open, and the monotonically increasing counter used to
// mint that user's next shell ID. Like the rest of the core, it is only
// ever touched from the event-loop goroutine.
package registry

import (
	"strconv"

	"github.com/containerd/log"
)

// UserMeta is one user's shell bookkeeping.
type UserMeta struct {
	NumShells int

	nextID uint64
}

// Registry is the map of username to UserMeta.
type Registry struct {
	users map[string]*UserMeta
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{users: make(map[string]*UserMeta)}
}

func (r *Registry) meta(username string) *UserMeta {
	m, ok := r.users[username]
	if !ok {
		m = &UserMeta{}
		r.users[username] = m
	}
	return m
}

// NextID returns username's next shell ID as a decimal string and advances
// the counter. Successive calls for the same user never repeat a value.
func (r *Registry) NextID(username string) string {
	m := r.meta(username)
	id := m.nextID
	m.nextID++
	return strconv.FormatUint(id, 10)
}

// Count returns the number of shells currently open for username.
func (r *Registry) Count(username string) int {
	if m, ok := r.users[username]; ok {
		return m.NumShells
	}
	return 0
}

// Increment records that username has opened one more shell.
func (r *Registry) Increment(username string) {
	r.meta(username).NumShells++
}

// Decrement records that username has closed one shell. Clamps at zero and
// logs an error if the caller tries to go negative — that indicates a
// create/destroy accounting bug elsewhere, not a valid state.
func (r *Registry) Decrement(username string) {
	m := r.meta(username)
	if m.NumShells > 0 {
		m.NumShells--
	} else {
		log.L.WithField("user", username).Error("registry: shell count decremented below zero")
	}
}
