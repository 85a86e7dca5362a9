// Package shellmanager implements the façade spec.md §4.5 describes: the
// seven operations HTTP handler glue calls, each of which hops onto the
// single event-loop goroutine before touching any shared state, composing
// internal/shellproc, internal/longpoll, internal/registry and
// internal/shelltypes.
package shellmanager

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/toddlipcon/hue/internal/config"
	"github.com/toddlipcon/hue/internal/eventbus"
	"github.com/toddlipcon/hue/internal/eventloop"
	"github.com/toddlipcon/hue/internal/longpoll"
	"github.com/toddlipcon/hue/internal/protocol"
	"github.com/toddlipcon/hue/internal/registry"
	"github.com/toddlipcon/hue/internal/shellproc"
	"github.com/toddlipcon/hue/internal/shelltypes"
)

type shellKey struct {
	username string
	shellID  string
}

// ShellOffset is one element of a retrieve_output/add_to_output request: a
// shell the tab wants output from, and the offset it has already seen.
type ShellOffset struct {
	ShellID string
	Offset  int
}

// Manager is the shell-manager façade. Every exported method is safe to
// call from any goroutine — it hops onto the event loop via Submit before
// touching m.shells, m.registry or m.table.
type Manager struct {
	loop       *eventloop.Loop
	table      *longpoll.Table
	registry   *registry.Registry
	shelltypes *shelltypes.Table
	spawn      shellproc.Spawner
	bus        *eventbus.Bus

	shells map[shellKey]*shellproc.Process

	maxShells             int
	writeBufferLimit      int
	shellTimeout          time.Duration
	browserRequestTimeout time.Duration
}

// New constructs a Manager and its event loop but does not start it; call
// Run to begin serving.
func New(cfg *config.Config, types *shelltypes.Table, spawn shellproc.Spawner, bus *eventbus.Bus) (*Manager, error) {
	m := &Manager{
		shells:                make(map[shellKey]*shellproc.Process),
		table:                 longpoll.New(),
		registry:              registry.New(),
		shelltypes:            types,
		spawn:                 spawn,
		bus:                   bus,
		maxShells:             cfg.Limits.MaxShells,
		writeBufferLimit:      cfg.Limits.WriteBufferLimitBytes,
		shellTimeout:          time.Duration(cfg.Limits.ShellTimeoutSeconds) * time.Second,
		browserRequestTimeout: config.BrowserRequestTimeout,
	}

	loop, err := eventloop.New(config.TickInterval, m.tick)
	if err != nil {
		return nil, fmt.Errorf("shellmanager: create event loop: %w", err)
	}
	m.loop = loop
	return m, nil
}

// Run drives the event loop. Blocks until Stop is called.
func (m *Manager) Run() {
	m.loop.Run()
}

// Stop halts the event loop after its current iteration.
func (m *Manager) Stop() {
	m.loop.Stop()
}

func (m *Manager) logger(username, shellID string) *log.Entry {
	return log.L.WithField("user", username).WithField("shell_id", shellID)
}

func (m *Manager) publish(t eventbus.EventType, username, shellID, keyName string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.ShellEvent{Type: t, Username: username, ShellID: shellID, KeyName: keyName})
}

// lookupShell resolves a (username, shellID) pair. Every one of the four
// per-shell operations needs this same lookup, and they need to distinguish
// "no such shell" categorically from any other failure, so the error is
// wrapped with errdefs.ErrNotFound the way the rest of this stack reports
// missing resources across package boundaries.
func (m *Manager) lookupShell(username, shellID string) (*shellproc.Process, error) {
	proc, ok := m.shells[shellKey{username, shellID}]
	if !ok {
		return nil, fmt.Errorf("shell %s: %w", shellID, errdefs.ErrNotFound)
	}
	return proc, nil
}

// ListShellTypes answers GET /shell/get_shell_types.
func (m *Manager) ListShellTypes(resp longpoll.Response) {
	m.loop.Submit(func() {
		resp.Write(m.shelltypes.List())
		resp.Finish()
	})
}

// TryCreate answers POST /shell/create.
func (m *Manager) TryCreate(username, keyName string, resp longpoll.Response) {
	m.loop.Submit(func() {
		m.tryCreate(username, keyName, resp)
	})
}

func (m *Manager) tryCreate(username, keyName string, resp longpoll.Response) {
	cmd, ok := m.shelltypes.Command(keyName)
	if !ok {
		resp.Write(protocol.CreateResponse{ShellCreateFailed: true})
		resp.Finish()
		return
	}
	if m.registry.Count(username) >= m.maxShells {
		resp.Write(protocol.CreateResponse{ShellLimitReached: true})
		resp.Finish()
		return
	}

	shellID := m.registry.NextID(username)
	onDoomed := func() { m.publish(eventbus.ShellDoomed, username, shellID, keyName) }
	proc, err := shellproc.New(m.loop, m.table, m.spawn, username, shellID, cmd, m.writeBufferLimit, time.Now(), onDoomed)
	if err != nil {
		m.logger(username, shellID).WithError(err).Warn("shellmanager: failed to spawn shell")
		resp.Write(protocol.CreateResponse{ShellCreateFailed: true})
		resp.Finish()
		return
	}

	m.shells[shellKey{username, shellID}] = proc
	m.registry.Increment(username)
	m.publish(eventbus.ShellCreated, username, shellID, keyName)

	resp.Write(protocol.CreateResponse{Success: true, ShellID: shellID})
	resp.Finish()
}

// SubmitCommand answers POST /shell/process_command.
func (m *Manager) SubmitCommand(username, shellID, command string, resp longpoll.Response) {
	m.loop.Submit(func() {
		proc, err := m.lookupShell(username, shellID)
		if errdefs.IsNotFound(err) {
			resp.Write(protocol.CommandResponse{NoShellExists: true})
			resp.Finish()
			return
		}
		proc.SubmitCommand(command, resp, time.Now())
	})
}

// OutputRequest answers POST /shell/retrieve_output.
func (m *Manager) OutputRequest(username, tabID string, pairs []ShellOffset, resp longpoll.Response) {
	m.loop.Submit(func() {
		now := time.Now()
		immediate := m.collectImmediate(username, tabID, pairs, now)
		if len(immediate) > 0 {
			resp.Write(immediate)
			resp.Finish()
			return
		}
		m.table.Insert(tabID, resp, now)
	})
}

// AddToOutput answers POST /shell/add_to_output.
func (m *Manager) AddToOutput(username, tabID string, pairs []ShellOffset, resp longpoll.Response) {
	m.loop.Submit(func() {
		now := time.Now()
		immediate := m.collectImmediate(username, tabID, pairs, now)
		if len(immediate) > 0 {
			if existing, ok := m.table.TakeOne(tabID); ok {
				existing.Write(immediate)
				existing.Finish()
			}
		}
		resp.Write(protocol.AddToOutputResponse{Success: true})
		resp.Finish()
	})
}

// collectImmediate arms subscriptions for every pair that is caught up with
// its shell's buffer and assembles the synchronously-answerable entries for
// every pair that is not. Must run on the loop goroutine.
func (m *Manager) collectImmediate(username, tabID string, pairs []ShellOffset, now time.Time) protocol.OutputMap {
	out := make(protocol.OutputMap)
	for _, pr := range pairs {
		proc, err := m.lookupShell(username, pr.ShellID)
		if errdefs.IsNotFound(err) {
			out[pr.ShellID] = protocol.OutputEntry{NoShellExists: true}
			continue
		}
		if entry, immediate := proc.SubscribeForOutput(tabID, pr.Offset, now); immediate {
			out[pr.ShellID] = entry
		}
	}
	return out
}

// KillShell answers POST /shell/kill_shell. A missing shell is a no-op; the
// response body is always empty.
func (m *Manager) KillShell(username, shellID string, resp longpoll.Response) {
	m.loop.Submit(func() {
		if proc, err := m.lookupShell(username, shellID); err == nil {
			proc.MarkDoomed()
		}
		resp.Finish()
	})
}

// Restore answers POST /shell/restore_shell.
func (m *Manager) Restore(username, shellID string, resp longpoll.Response) {
	m.loop.Submit(func() {
		proc, err := m.lookupShell(username, shellID)
		if errdefs.IsNotFound(err) {
			resp.Write(protocol.RestoreResponse{ShellKilled: true})
			resp.Finish()
			return
		}
		output, nextOffset, commands := proc.Snapshot()
		resp.Write(protocol.RestoreResponse{
			Success:    true,
			Output:     output,
			NextOffset: nextOffset,
			Commands:   commands,
		})
		resp.Finish()
	})
}

// tick is the event loop's periodic callback: it destroys every shell due
// for reaping and resolves every subscription that has been parked past
// BrowserRequestTimeout with a keep-alive.
func (m *Manager) tick(now time.Time) {
	for key, proc := range m.shells {
		if !proc.ShouldDestroy(now, m.shellTimeout) {
			continue
		}
		proc.Destroy()
		delete(m.shells, key)
		m.registry.Decrement(key.username)
		m.publish(eventbus.ShellDestroyed, key.username, key.shellID, "")
	}

	for _, resp := range m.table.Sweep(now, m.browserRequestTimeout) {
		resp.Write(protocol.PeriodicKeepAlive{PeriodicResponse: true})
		resp.Finish()
	}
}
