// Package ptyio spawns a child process attached to a pseudo-terminal and
// exposes its master side as a raw, non-blocking file descriptor so that
// internal/eventloop can multiplex it with unix.Poll instead of going
// through Go's runtime network poller. Bypassing the runtime poller is
// deliberate: the shell-manager's single-threaded reactor needs EAGAIN/EINTR
// to come back as ordinary errno values from unix.Read/unix.Write, not as a
// blocked goroutine.
package ptyio

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// preservedEnv is the environment variable whitelist a spawned shell
// inherits. Everything else (including anything an attacker-controlled
// upstream request might otherwise smuggle in) is dropped.
var preservedEnv = []string{
	"JAVA_HOME", "HADOOP_HOME", "PATH", "HOME",
	"LC_ALL", "LANG", "LC_COLLATE", "LC_CTYPE", "LC_MESSAGES",
	"LC_MONETARY", "LC_NUMERIC", "LC_TIME", "TZ",
	"FLUME_CONF_DIR",
}

// Process is one PTY-backed child process. MasterFD is non-blocking and
// owned exclusively by the caller (internal/shellproc); Read/Write on it
// must go through the unix package, not through an *os.File, or the
// non-blocking semantics are lost.
type Process struct {
	MasterFD int
	Pid      int

	master *os.File
	cmd    *exec.Cmd
}

// cleanEnv builds the UTF-8-forced, whitelisted environment for a spawned
// shell, mirroring Hue's make_utf8_env/PRESERVED_ENVIRONMENT_VARIABLES.
func cleanEnv() []string {
	env := make([]string, 0, len(preservedEnv)+1)
	for _, name := range preservedEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			env = append(env, name+"="+v)
		}
	}
	env = append(env, "LANG=en_US.UTF-8")
	return env
}

// Spawn opens a PTY pair and execs command[0] with command[1:] as arguments,
// stdin/stdout/stderr all attached to the PTY slave. The master side is
// returned non-blocking. No resources leak on failure: a partially
// constructed PTY or process is cleaned up before the error is returned.
func Spawn(command []string) (*Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("spawn: empty command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = cleanEnv()

	master, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn %v: open pty: %w", command, err)
	}

	// Fetch the fd once: every (*os.File).Fd call switches the descriptor
	// back to blocking mode, which would undo SetNonblock.
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		master.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("spawn %v: set master non-blocking: %w", command, err)
	}

	return &Process{
		MasterFD: fd,
		Pid:      cmd.Process.Pid,
		master:   master,
		cmd:      cmd,
	}, nil
}

// Read issues one non-blocking read(2) on the master fd.
func (p *Process) Read(buf []byte) (int, error) {
	return unix.Read(p.MasterFD, buf)
}

// Write issues one non-blocking write(2) on the master fd.
func (p *Process) Write(buf []byte) (int, error) {
	return unix.Write(p.MasterFD, buf)
}

// Poll reports whether the child has exited (WNOHANG), without blocking.
func (p *Process) Poll() (exited bool) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
	if err != nil || pid == 0 {
		return false
	}
	return ws.Exited() || ws.Signaled()
}

// Kill sends SIGKILL to the child, tolerating the case where it has already
// exited (e.g. after a "quit" command raced with our own kill).
func (p *Process) Kill() error {
	if err := unix.Kill(p.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill pid %d: %w", p.Pid, err)
	}
	// Reap to avoid leaving a zombie; ignore errors, the process may already
	// have been reaped by Poll.
	var ws unix.WaitStatus
	_, _ = unix.Wait4(p.Pid, &ws, 0, nil)
	return nil
}

// Close closes the master side of the PTY.
func (p *Process) Close() error {
	return p.master.Close()
}

// Fd returns the master file descriptor, for registration with a poller.
func (p *Process) Fd() int {
	return p.MasterFD
}
