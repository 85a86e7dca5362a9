// Package eventloop implements the single-threaded reactor spec.md §4.4
// describes: one goroutine owns all core state, watches registered file
// descriptors for readiness with a single poll(2) call, and fires a
// periodic tick. Every other goroutine (HTTP handlers, the standard
// library's scheduler) must hop onto the loop via Submit before touching
// anything the loop owns — that hand-off, not a mutex, is what makes the
// core's state single-threaded.
package eventloop

import (
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// Direction is which readiness a registration cares about.
type Direction int

const (
	Read Direction = 1 << iota
	Write
)

// Callbacks are invoked on the loop goroutine when a registered fd becomes
// ready. Exactly one of OnWritable/OnReadable runs per poll iteration per
// bit that fired; when both fire for one fd, OnWritable runs first so that
// acks to submitted commands are never delayed behind output delivery.
type Callbacks struct {
	OnWritable func()
	OnReadable func()
}

type registration struct {
	dir Direction
	cb  Callbacks
}

// Loop is a single-threaded reactor. The zero value is not usable; use New.
type Loop struct {
	tickInterval time.Duration
	onTick       func(now time.Time)

	// regs is only ever read or written from the loop goroutine itself.
	regs map[int]*registration

	// cmds is the hand-off point for other goroutines: Submit appends here
	// under mu, and the loop goroutine drains it once per iteration.
	mu   sync.Mutex
	cmds []func()

	wakeR int
	wakeW int

	stop chan struct{}
	done chan struct{}
}

// New creates a Loop that fires onTick roughly every tickInterval. Call Run
// to start it; Run blocks the calling goroutine until Stop is called.
func New(tickInterval time.Duration, onTick func(now time.Time)) (*Loop, error) {
	fds, err := selfPipe()
	if err != nil {
		return nil, err
	}
	return &Loop{
		tickInterval: tickInterval,
		onTick:       onTick,
		regs:         make(map[int]*registration),
		wakeR:        fds[0],
		wakeW:        fds[1],
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

func selfPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, err
	}
	return fds, nil
}

// Submit enqueues fn to run on the loop goroutine, serialized with every
// other callback and tick. Safe to call from any goroutine, including the
// loop's own (it will simply run on the next iteration).
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.cmds = append(l.cmds, fn)
	l.mu.Unlock()

	// Best-effort wake-up: if the pipe is momentarily full the loop is
	// already about to wake on its own, so a dropped byte costs nothing.
	var b [1]byte
	_, _ = unix.Write(l.wakeW, b[:])
}

// Register arms readiness notifications for fd. Must be called from the
// loop goroutine (i.e. from inside a Submit callback or another callback).
func (l *Loop) Register(fd int, dir Direction, cb Callbacks) {
	l.regs[fd] = &registration{dir: dir, cb: cb}
}

// Modify changes the readiness bits watched for fd. fd must already be
// registered.
func (l *Loop) Modify(fd int, dir Direction) {
	if r, ok := l.regs[fd]; ok {
		r.dir = dir
	}
}

// Unregister removes fd from the poll set entirely.
func (l *Loop) Unregister(fd int) {
	delete(l.regs, fd)
}

// IsRegisteredFor reports whether fd is currently watched for dir.
func (l *Loop) IsRegisteredFor(fd int, dir Direction) bool {
	r, ok := l.regs[fd]
	return ok && r.dir&dir != 0
}

// Stop halts the loop after its current iteration.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// Run drives the reactor until Stop is called. It must be invoked from the
// goroutine that is to become "the loop goroutine" — all registered
// callbacks and the tick run here, synchronously, one at a time.
func (l *Loop) Run() {
	defer close(l.done)
	defer unix.Close(l.wakeR)
	defer unix.Close(l.wakeW)

	lastTick := time.Now()
	timeoutMs := int(l.tickInterval / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = 1000
	}

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		pfds := make([]unix.PollFd, 0, len(l.regs)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})

		order := make([]int, 0, len(l.regs))
		for fd, r := range l.regs {
			var events int16
			if r.dir&Read != 0 {
				events |= unix.POLLIN
			}
			if r.dir&Write != 0 {
				events |= unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
			order = append(order, fd)
		}

		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.L.WithError(err).Error("eventloop: poll failed")
			continue
		}

		// Drain wake-up bytes; their only job was to make Poll return.
		if pfds[0].Revents != 0 {
			var buf [64]byte
			for {
				if _, err := unix.Read(l.wakeR, buf[:]); err != nil {
					break
				}
			}
		}

		l.drainCmds()

		if n > 0 {
			l.dispatch(pfds[1:], order)
		}

		now := time.Now()
		if now.Sub(lastTick) >= l.tickInterval {
			lastTick = now
			if l.onTick != nil {
				l.onTick(now)
			}
		}
	}
}

func (l *Loop) drainCmds() {
	l.mu.Lock()
	pending := l.cmds
	l.cmds = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// dispatch runs the write callback before the read callback for every fd
// that became ready, per spec.md §4.4's ordering guarantee.
func (l *Loop) dispatch(pfds []unix.PollFd, order []int) {
	for i, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		fd := order[i]
		r, ok := l.regs[fd]
		if !ok {
			continue
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 && r.dir&Write != 0 {
			if r.cb.OnWritable != nil {
				r.cb.OnWritable()
			}
		}
		// Re-fetch: the write callback may have unregistered or replaced fd.
		r, ok = l.regs[fd]
		if !ok {
			continue
		}
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 && r.dir&Read != 0 {
			if r.cb.OnReadable != nil {
				r.cb.OnReadable()
			}
		}
	}
}
