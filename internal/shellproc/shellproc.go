// Package shellproc implements spec.md §4.1's ChildProcess: one PTY-backed
// subprocess, its input/output buffers, and the bookkeeping needed to
// deliver output to whichever browser tabs are currently waiting on it.
//
// A Process is only ever touched from the event-loop goroutine: its own
// callbacks run there, and callers (internal/shellmanager) only reach it by
// way of eventloop.Loop.Submit. It holds a narrow capability — a
// *longpoll.Table — rather than a reference back to the manager that owns
// it, per the ownership-tree redesign in spec.md's design notes.
package shellproc

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/toddlipcon/hue/internal/config"
	"github.com/toddlipcon/hue/internal/eventloop"
	"github.com/toddlipcon/hue/internal/longpoll"
	"github.com/toddlipcon/hue/internal/protocol"
)

const recentCommandsCap = 25

// commandRing is a fixed-capacity FIFO of the most recently submitted
// command lines, returned verbatim by restore_shell.
type commandRing struct {
	items []string
}

func (r *commandRing) push(cmd string) {
	r.items = append(r.items, cmd)
	if len(r.items) > recentCommandsCap {
		r.items = r.items[len(r.items)-recentCommandsCap:]
	}
}

func (r *commandRing) snapshot() []string {
	out := make([]string, len(r.items))
	copy(out, r.items)
	return out
}

// PTYHandle is the subset of *ptyio.Process shellproc depends on, narrowed
// to an interface so tests can substitute a fake PTY instead of forking a
// real shell. *ptyio.Process satisfies it directly.
type PTYHandle interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Poll() (exited bool)
	Kill() error
	Close() error
	Fd() int
}

// Spawner starts the underlying OS process for a shell type's command line.
// A func wrapping internal/ptyio.Spawn satisfies this in production; tests
// supply a fake.
type Spawner func(command []string) (PTYHandle, error)

// Process is one live (or recently-dead, pending destruction) shell.
type Process struct {
	Username string
	ShellID  string

	loop  *eventloop.Loop
	table *longpoll.Table
	pty   PTYHandle
	fd    int

	writeBufferLimit int

	outputLog []byte
	recent    commandRing

	inputBuffer []byte
	pendingAcks []longpoll.Response

	subscriberIDs map[string]struct{}
	registered    bool

	lastActivity   time.Time
	lastOutputSent bool
	doomed         bool

	// onDoomed, if set, fires the first time this Process transitions into
	// the doomed state, regardless of which of the three paths (a write
	// error, a read error, or an explicit kill_shell) triggered it.
	onDoomed func()
}

// New spawns command via spawn and returns a Process ready to accept
// SubmitCommand / SubscribeForOutput calls. Must run on the loop goroutine:
// construction touches no shared state, but every caller already holds the
// loop invariant and there is no reason to special-case this one. onDoomed
// may be nil.
func New(loop *eventloop.Loop, table *longpoll.Table, spawn Spawner, username, shellID string, command []string, writeBufferLimit int, now time.Time, onDoomed func()) (*Process, error) {
	pty, err := spawn(command)
	if err != nil {
		return nil, err
	}
	return &Process{
		Username:         username,
		ShellID:          shellID,
		loop:             loop,
		table:            table,
		pty:              pty,
		fd:               pty.Fd(),
		writeBufferLimit: writeBufferLimit,
		subscriberIDs:    make(map[string]struct{}),
		lastActivity:     now,
		onDoomed:         onDoomed,
	}, nil
}

// doom transitions the shell into the doomed state and fires onDoomed, the
// first time only — a shell already doomed by one path (say, a write error)
// must not re-fire the notification if a second path (say, kill_shell)
// reaches it before the next tick destroys it.
func (p *Process) doom() {
	if p.doomed {
		return
	}
	p.doomed = true
	if p.onDoomed != nil {
		p.onDoomed()
	}
}

// syncRegistration recomputes which readiness bits the loop should watch
// for this shell's fd from current state, per the invariants: read-readiness
// registered iff subscriberIDs is non-empty, write-readiness registered iff
// inputBuffer is non-empty. A doomed shell is unregistered unconditionally —
// it is one tick away from Destroy and should not fire any more callbacks.
func (p *Process) syncRegistration() {
	var dir eventloop.Direction
	if !p.doomed {
		if len(p.inputBuffer) > 0 {
			dir |= eventloop.Write
		}
		if len(p.subscriberIDs) > 0 {
			dir |= eventloop.Read
		}
	}

	if dir == 0 {
		if p.registered {
			p.loop.Unregister(p.fd)
			p.registered = false
		}
		return
	}

	if !p.registered {
		p.loop.Register(p.fd, dir, eventloop.Callbacks{
			OnWritable: p.onWritable,
			OnReadable: p.onReadable,
		})
		p.registered = true
		return
	}
	p.loop.Modify(p.fd, dir)
}

func (p *Process) logger() *log.Entry {
	return log.L.WithField("user", p.Username).WithField("shell_id", p.ShellID)
}

// SubmitCommand queues command for delivery to the child's stdin. resp is
// acked once the bytes have actually been written, or immediately if the
// write buffer is already full.
func (p *Process) SubmitCommand(command string, resp longpoll.Response, now time.Time) {
	if p.doomed {
		err := fmt.Errorf("shell %s: write to doomed shell: %w", p.ShellID, errdefs.ErrFailedPrecondition)
		p.logger().WithError(err).Debug("shellproc: dropping command submitted after shell was doomed")
		resp.Write(protocol.CommandResponse{ShellKilled: true})
		resp.Finish()
		return
	}

	if len(p.inputBuffer) >= p.writeBufferLimit {
		resp.Write(protocol.CommandResponse{BufferExceeded: true})
		resp.Finish()
		return
	}

	p.inputBuffer = append(p.inputBuffer, []byte(command+"\n")...)
	p.recent.push(command)
	p.pendingAcks = append(p.pendingAcks, resp)
	p.syncRegistration()
}

// onWritable is the event loop's write-ready callback: one non-blocking
// write(2) attempt, per spec.md's "do not loop on a single readiness event"
// rule.
func (p *Process) onWritable() {
	n, err := p.pty.Write(p.inputBuffer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		p.logger().WithError(err).Warn("shellproc: write failed, dooming shell")
		p.doom()
		p.syncRegistration()
		return
	}

	p.inputBuffer = p.inputBuffer[n:]
	if len(p.inputBuffer) > 0 {
		return
	}

	acks := p.pendingAcks
	p.pendingAcks = nil
	p.syncRegistration()
	for _, r := range acks {
		r.Write(protocol.CommandResponse{Success: true})
		r.Finish()
	}
}

// SubscribeForOutput is the read half of the protocol. If offset is already
// behind the buffered output, it returns a snapshot synchronously. Otherwise
// it registers tabID as a subscriber and returns immediate=false — the caller
// should park resp in the longpoll.Table under tabID and wait for onReadable
// to resolve it.
func (p *Process) SubscribeForOutput(tabID string, offset int, now time.Time) (entry protocol.OutputEntry, immediate bool) {
	p.lastActivity = now

	if offset < len(p.outputLog) {
		return protocol.OutputEntry{
			Alive:               true,
			Output:              string(p.outputLog[offset:]),
			MoreOutputAvailable: true,
			NextOffset:          len(p.outputLog),
		}, true
	}

	p.subscriberIDs[tabID] = struct{}{}
	p.syncRegistration()
	return protocol.OutputEntry{}, false
}

// Unsubscribe removes tabID from the waiting set without resolving it —
// used when a request is abandoned before any output arrives (e.g. the
// shell itself is about to be destroyed by a different path).
func (p *Process) Unsubscribe(tabID string) {
	delete(p.subscriberIDs, tabID)
	p.syncRegistration()
}

// onReadable is the event loop's read-ready callback: one non-blocking
// read(2) attempt, appended to the output log and fanned out to every
// currently-waiting subscriber.
func (p *Process) onReadable() {
	if len(p.subscriberIDs) == 0 {
		return
	}

	buf := make([]byte, config.OSReadAmount)
	n, err := p.pty.Read(buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		p.logger().WithError(err).Warn("shellproc: read failed, dooming shell")
		p.doom()
		p.syncRegistration()
		return
	}

	p.outputLog = append(p.outputLog, buf[:n]...)
	moreAvailable := n == len(buf)
	alive := !p.pty.Poll()
	if !alive {
		p.lastOutputSent = true
	}

	tabIDs := make([]string, 0, len(p.subscriberIDs))
	for id := range p.subscriberIDs {
		tabIDs = append(tabIDs, id)
	}
	p.subscriberIDs = make(map[string]struct{})
	p.syncRegistration()

	entry := protocol.OutputEntry{
		Alive:               alive,
		Exited:              !alive,
		Output:              string(buf[:n]),
		MoreOutputAvailable: moreAvailable,
		NextOffset:          len(p.outputLog),
	}

	for _, resp := range p.table.Take(tabIDs) {
		resp.Write(protocol.OutputMap{p.ShellID: entry})
		resp.Finish()
	}
}

// ShouldDestroy reports whether the periodic tick should tear this shell
// down: it has been doomed by an I/O error, its final output has already
// been delivered after exit, or it has been idle longer than idleTimeout.
func (p *Process) ShouldDestroy(now time.Time, idleTimeout time.Duration) bool {
	return p.doomed || p.lastOutputSent || now.Sub(p.lastActivity) >= idleTimeout
}

// MarkDoomed forces destruction on the next tick, used by kill_shell.
func (p *Process) MarkDoomed() {
	p.doom()
}

// Snapshot returns the full output log, the offset a fresh subscriber should
// start from, and the recent command history, for restore_shell.
func (p *Process) Snapshot() (output string, nextOffset int, commands []string) {
	return string(p.outputLog), len(p.outputLog), p.recent.snapshot()
}

// Destroy tears the shell down: it unregisters from the loop, kills and
// closes the PTY, and resolves every outstanding ack and subscriber with a
// shellKilled response. Idempotent only in the sense that calling it twice
// would double-kill an already-reaped pid, which is harmless; callers
// should still only call it once.
func (p *Process) Destroy() {
	if p.registered {
		p.loop.Unregister(p.fd)
		p.registered = false
	}
	_ = p.pty.Kill()
	_ = p.pty.Close()

	acks := p.pendingAcks
	p.pendingAcks = nil
	for _, r := range acks {
		r.Write(protocol.CommandResponse{ShellKilled: true})
		r.Finish()
	}

	tabIDs := make([]string, 0, len(p.subscriberIDs))
	for id := range p.subscriberIDs {
		tabIDs = append(tabIDs, id)
	}
	p.subscriberIDs = make(map[string]struct{})
	for _, resp := range p.table.Take(tabIDs) {
		resp.Write(protocol.OutputMap{p.ShellID: {ShellKilled: true}})
		resp.Finish()
	}
}
