// Package httpapi exposes internal/shellmanager's seven operations as the
// HTTP endpoints spec.md §6 names, translating form/header arguments into
// calls on the manager and adapting http.ResponseWriter into the
// longpoll.Response capability the core writes through. Authentication
// itself lives upstream, in internal/httpapi/authmw; by the time a handler
// here runs, the caller's username is already in the request context.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/log"

	"github.com/toddlipcon/hue/internal/config"
	"github.com/toddlipcon/hue/internal/httpapi/authmw"
	"github.com/toddlipcon/hue/internal/longpoll"
	"github.com/toddlipcon/hue/internal/protocol"
	"github.com/toddlipcon/hue/internal/shellmanager"
)

const hueInstanceIDHeader = "Hue-Instance-ID"

// Manager is the subset of *shellmanager.Manager the HTTP layer calls.
// Narrowed to an interface so tests can substitute a fake.
type Manager interface {
	ListShellTypes(resp longpoll.Response)
	TryCreate(username, keyName string, resp longpoll.Response)
	SubmitCommand(username, shellID, command string, resp longpoll.Response)
	OutputRequest(username, tabID string, pairs []shellmanager.ShellOffset, resp longpoll.Response)
	AddToOutput(username, tabID string, pairs []shellmanager.ShellOffset, resp longpoll.Response)
	KillShell(username, shellID string, resp longpoll.Response)
	Restore(username, shellID string, resp longpoll.Response)
}

// Handler wires shellmanager.Manager's seven operations onto net/http.
type Handler struct {
	mgr Manager
}

// New returns a Handler.
func New(mgr Manager) *Handler {
	return &Handler{mgr: mgr}
}

// Routes registers shellgate's seven endpoints on mux, wrapped in
// authmw.Middleware.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("/shell/get_shell_types", authmw.Middleware(http.HandlerFunc(h.getShellTypes)))
	mux.Handle("/shell/create", authmw.Middleware(http.HandlerFunc(h.create)))
	mux.Handle("/shell/process_command", authmw.Middleware(http.HandlerFunc(h.processCommand)))
	mux.Handle("/shell/retrieve_output", authmw.Middleware(http.HandlerFunc(h.retrieveOutput)))
	mux.Handle("/shell/add_to_output", authmw.Middleware(http.HandlerFunc(h.addToOutput)))
	mux.Handle("/shell/kill_shell", authmw.Middleware(http.HandlerFunc(h.killShell)))
	mux.Handle("/shell/restore_shell", authmw.Middleware(http.HandlerFunc(h.restoreShell)))
}

// username fetches the caller's identity from context, falling back to the
// notLoggedIn flag on the rare path where a handler is invoked without
// going through authmw (e.g. a test exercising it directly).
func username(r *http.Request, resp *responseWriter) (string, bool) {
	u, ok := authmw.UserFromContext(r.Context())
	if !ok {
		resp.Write(protocol.CreateResponse{NotLoggedIn: true})
		resp.Finish()
		return "", false
	}
	return u, true
}

func (h *Handler) getShellTypes(w http.ResponseWriter, r *http.Request) {
	resp := newResponseWriter(w)
	defer resp.await()
	if _, ok := username(r, resp); !ok {
		return
	}
	h.mgr.ListShellTypes(resp)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	resp := newResponseWriter(w)
	defer resp.await()
	user, ok := username(r, resp)
	if !ok {
		return
	}
	h.mgr.TryCreate(user, r.FormValue("keyName"), resp)
}

func (h *Handler) processCommand(w http.ResponseWriter, r *http.Request) {
	resp := newResponseWriter(w)
	defer resp.await()
	user, ok := username(r, resp)
	if !ok {
		return
	}
	h.mgr.SubmitCommand(user, r.FormValue("shellId"), r.FormValue("lineToSend"), resp)
}

func (h *Handler) retrieveOutput(w http.ResponseWriter, r *http.Request) {
	resp := newResponseWriter(w)
	defer resp.await()
	user, ok := username(r, resp)
	if !ok {
		return
	}
	tabID, ok := requireOneInstanceID(r, resp)
	if !ok {
		return
	}
	h.mgr.OutputRequest(user, tabID, parseShellPairs(r), resp)
}

func (h *Handler) addToOutput(w http.ResponseWriter, r *http.Request) {
	resp := newResponseWriter(w)
	defer resp.await()
	user, ok := username(r, resp)
	if !ok {
		return
	}
	tabID, ok := requireOneInstanceID(r, resp)
	if !ok {
		return
	}
	h.mgr.AddToOutput(user, tabID, parseShellPairs(r), resp)
}

func (h *Handler) killShell(w http.ResponseWriter, r *http.Request) {
	resp := newResponseWriter(w)
	defer resp.await()
	user, ok := username(r, resp)
	if !ok {
		return
	}
	h.mgr.KillShell(user, r.FormValue("shellId"), resp)
}

func (h *Handler) restoreShell(w http.ResponseWriter, r *http.Request) {
	resp := newResponseWriter(w)
	defer resp.await()
	user, ok := username(r, resp)
	if !ok {
		return
	}
	h.mgr.Restore(user, r.FormValue("shellId"), resp)
}

// requireOneInstanceID enforces spec.md §6's "exactly one occurrence
// required" rule on the Hue-Instance-ID header. On violation it logs and
// completes the request with an empty body, per the original's handling of
// the same malformed-header case.
func requireOneInstanceID(r *http.Request, resp *responseWriter) (string, bool) {
	ids := r.Header.Values(hueInstanceIDHeader)
	if len(ids) != 1 {
		log.L.WithField("count", len(ids)).Warn("httpapi: Hue-Instance-ID header was not set exactly once")
		resp.Finish()
		return "", false
	}
	return ids[0], true
}

// parseShellPairs reads numPairs, shellId1..N and offset1..N from the
// request form. Any malformed input — non-integer numPairs, a missing
// shellId/offset, a non-integer offset — yields an empty (nil) slice rather
// than an error, per spec.md's Open Question resolution (D.2 in
// SPEC_FULL.md): an undefined partial result is worse than "nothing to
// subscribe to".
func parseShellPairs(r *http.Request) []shellmanager.ShellOffset {
	numPairs, err := strconv.Atoi(r.FormValue("numPairs"))
	if err != nil || numPairs < 0 {
		return nil
	}

	pairs := make([]shellmanager.ShellOffset, 0, numPairs)
	for i := 1; i <= numPairs; i++ {
		shellID := r.FormValue("shellId" + strconv.Itoa(i))
		if shellID == "" {
			return nil
		}
		offset, err := strconv.Atoi(r.FormValue("offset" + strconv.Itoa(i)))
		if err != nil {
			return nil
		}
		pairs = append(pairs, shellmanager.ShellOffset{ShellID: shellID, Offset: offset})
	}
	return pairs
}

// responseWriter adapts http.ResponseWriter into the longpoll.Response
// capability interface. shellmanager.Manager's operations all hop onto the
// event loop via Submit and return immediately, so Write/Finish run later,
// on the loop goroutine, while the handler goroutine that owns w is still
// blocked inside ServeHTTP. responseWriter only records what was written;
// await (called via defer from every handler) blocks until Finish signals
// completion and only then performs the actual write against w, from the
// still-live handler goroutine, the way spec.md §1's "suspended long-poll
// response" is meant to work.
type responseWriter struct {
	w        http.ResponseWriter
	done     chan struct{}
	value    any
	hasValue bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w: w, done: make(chan struct{})}
}

// Write records v for later delivery. May be called at most once; later
// calls are dropped, matching the capability interface's contract.
func (r *responseWriter) Write(v any) {
	if r.hasValue {
		return
	}
	r.hasValue = true
	r.value = v
}

// Finish signals that the response is complete, waking the handler
// goroutine blocked in await.
func (r *responseWriter) Finish() {
	close(r.done)
}

// await blocks the calling handler goroutine until Finish is called, then
// flushes the recorded value (if any) to the real http.ResponseWriter. The
// hard timeout is a backstop against a manager bug leaving the response
// parked forever — under normal operation the event loop's periodic tick
// always resolves a pending response within config.BrowserRequestTimeout.
func (r *responseWriter) await() {
	select {
	case <-r.done:
	case <-time.After(config.BrowserRequestTimeout + 10*time.Second):
		log.L.Warn("httpapi: response never finished; abandoning the connection")
		return
	}

	if !r.hasValue {
		return
	}
	r.w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(r.w).Encode(r.value); err != nil {
		log.L.WithError(err).Warn("httpapi: failed writing response (client likely gone)")
	}
}
