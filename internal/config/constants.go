package config

import "time"

// Tunable constants for the shell multiplexer. These are compile-time
// defaults, not runtime-configurable: an operator may lower them via the
// config file's "limits" section, but Get validates that none of them are
// raised past the ceiling baked in here. Raising MaxShells, for instance,
// defeats the reason it exists (browsers cap concurrent connections to one
// origin; three shells plus room for the rest of the Hue UI is the budget
// this was sized against).
const (
	// MaxShells is the hard per-user cap on concurrently open shells.
	MaxShells = 3

	// WriteBufferLimit is the maximum number of unflushed bytes a
	// ChildProcess will hold in its input buffer before rejecting further
	// commands with bufferExceeded.
	WriteBufferLimit = 10_000

	// OSReadAmount is the number of bytes requested per read(2) of a PTY
	// master. A short read (n < OSReadAmount) signals there is currently no
	// more output to drain in this pass.
	OSReadAmount = 40_960

	// BrowserRequestTimeout is how long a long-poll response is held open
	// before the periodic tick resolves it with a keep-alive. It must stay
	// safely under common browser/proxy idle-connection timeouts (~60s).
	BrowserRequestTimeout = 55 * time.Second

	// ShellTimeout is the idle duration (no output requests) after which an
	// otherwise-healthy shell is destroyed.
	ShellTimeout = 600 * time.Second

	// TickInterval is the cadence of the event loop's periodic callback,
	// which reaps doomed/idle/exited shells and sweeps timed-out
	// subscriptions.
	TickInterval = 1 * time.Second
)
