// Package eventbus publishes shell lifecycle transitions (created, doomed,
// destroyed) so that in-process observers — the audit log in
// internal/persistence, a future metrics exporter, a debug CLI — can follow
// along without the core's packages depending on any of them directly.
package eventbus

import (
	"github.com/docker/go-events"
)

// EventType names a lifecycle transition a ChildProcess goes through.
type EventType string

const (
	ShellCreated   EventType = "created"
	ShellDoomed    EventType = "doomed"
	ShellDestroyed EventType = "destroyed"
)

// ShellEvent is published once per lifecycle transition.
type ShellEvent struct {
	Type     EventType
	Username string
	ShellID  string
	KeyName  string
}

// Bus fans shell lifecycle events out to every registered sink. The zero
// value is not usable; use New.
type Bus struct {
	broadcaster *events.Broadcaster
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{broadcaster: events.NewBroadcaster()}
}

// Publish sends ev to every currently-registered sink; the error the
// broadcaster returns once the bus is closed is ignored. Delivery is not
// queued: Publish waits until the broadcaster accepts ev, and the
// broadcaster writes each event to each sink in turn, so a subscriber that
// is slow to read from its channel delays the caller of Publish.
func (b *Bus) Publish(ev ShellEvent) {
	_ = b.broadcaster.Write(ev)
}

// Subscribe registers a new channel sink and returns it; the caller reads
// ShellEvent values off Channel.C until it calls Unsubscribe.
func (b *Bus) Subscribe() *events.Channel {
	ch := events.NewChannel(0)
	b.broadcaster.Add(ch)
	return ch
}

// Unsubscribe removes a previously-subscribed channel sink and closes it.
func (b *Bus) Unsubscribe(ch *events.Channel) {
	b.broadcaster.Remove(ch)
	_ = ch.Close()
}

// Close shuts the bus down, closing every registered sink.
func (b *Bus) Close() error {
	return b.broadcaster.Close()
}
