package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toddlipcon/hue/internal/httpapi/authmw"
	"github.com/toddlipcon/hue/internal/longpoll"
	"github.com/toddlipcon/hue/internal/protocol"
	"github.com/toddlipcon/hue/internal/shellmanager"
)

// fakeManager records every call it receives and resolves each one
// synchronously with a canned response, so the handler tests can run
// without an event loop or real PTYs.
type fakeManager struct {
	createResp  protocol.CreateResponse
	commandResp protocol.CommandResponse
	outputResp  protocol.OutputMap
	addResp     protocol.AddToOutputResponse
	restoreResp protocol.RestoreResponse

	lastKeyName string
	lastShellID string
	lastCommand string
	lastTabID   string
	lastPairs   []shellmanager.ShellOffset
	killed      bool
}

func (f *fakeManager) ListShellTypes(resp longpoll.Response) {
	resp.Write(protocol.ShellTypesResponse{Success: true, ShellTypes: []protocol.ShellTypeInfo{
		{NiceName: "Pig Grunt", KeyName: "pig"},
	}})
	resp.Finish()
}

func (f *fakeManager) TryCreate(username, keyName string, resp longpoll.Response) {
	f.lastKeyName = keyName
	resp.Write(f.createResp)
	resp.Finish()
}

func (f *fakeManager) SubmitCommand(username, shellID, command string, resp longpoll.Response) {
	f.lastShellID = shellID
	f.lastCommand = command
	resp.Write(f.commandResp)
	resp.Finish()
}

func (f *fakeManager) OutputRequest(username, tabID string, pairs []shellmanager.ShellOffset, resp longpoll.Response) {
	f.lastTabID = tabID
	f.lastPairs = pairs
	resp.Write(f.outputResp)
	resp.Finish()
}

func (f *fakeManager) AddToOutput(username, tabID string, pairs []shellmanager.ShellOffset, resp longpoll.Response) {
	f.lastTabID = tabID
	f.lastPairs = pairs
	resp.Write(f.addResp)
	resp.Finish()
}

func (f *fakeManager) KillShell(username, shellID string, resp longpoll.Response) {
	f.killed = true
	f.lastShellID = shellID
	resp.Finish()
}

func (f *fakeManager) Restore(username, shellID string, resp longpoll.Response) {
	f.lastShellID = shellID
	resp.Write(f.restoreResp)
	resp.Finish()
}

func newTestServer(mgr Manager) *httptest.Server {
	mux := http.NewServeMux()
	New(mgr).Routes(mux)
	return httptest.NewServer(mux)
}

func authedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(authmw.HeaderName, "alice")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req
}

func TestGetShellTypes(t *testing.T) {
	mgr := &fakeManager{}
	srv := newTestServer(mgr)
	defer srv.Close()

	req := authedRequest(t, http.MethodGet, srv.URL+"/shell/get_shell_types", "")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestGetShellTypesNotLoggedIn(t *testing.T) {
	mgr := &fakeManager{}
	srv := newTestServer(mgr)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/shell/get_shell_types")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCreateShell(t *testing.T) {
	mgr := &fakeManager{createResp: protocol.CreateResponse{Success: true, ShellID: "0"}}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{"keyName": {"pig"}}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/create", form.Encode())
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "pig", mgr.lastKeyName)
}

func TestProcessCommand(t *testing.T) {
	mgr := &fakeManager{commandResp: protocol.CommandResponse{Success: true}}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{"shellId": {"0"}, "lineToSend": {"ls -la\n"}}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/process_command", form.Encode())
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "0", mgr.lastShellID)
	assert.Equal(t, "ls -la\n", mgr.lastCommand)
}

func TestRetrieveOutputRequiresInstanceIDHeader(t *testing.T) {
	mgr := &fakeManager{outputResp: protocol.OutputMap{"0": {Output: "hi"}}}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{"numPairs": {"1"}, "shellId1": {"0"}, "offset1": {"0"}}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/retrieve_output", form.Encode())
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	// No Hue-Instance-ID header set: handler finishes with an empty body
	// and never reaches the manager.
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, mgr.lastTabID)
}

func TestRetrieveOutputParsesPairs(t *testing.T) {
	mgr := &fakeManager{outputResp: protocol.OutputMap{"0": {Output: "hi"}}}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{
		"numPairs": {"2"},
		"shellId1": {"0"}, "offset1": {"10"},
		"shellId2": {"1"}, "offset2": {"20"},
	}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/retrieve_output", form.Encode())
	req.Header.Set("Hue-Instance-ID", "tab-42")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "tab-42", mgr.lastTabID)
	require.Len(t, mgr.lastPairs, 2)
	assert.Equal(t, shellmanager.ShellOffset{ShellID: "0", Offset: 10}, mgr.lastPairs[0])
	assert.Equal(t, shellmanager.ShellOffset{ShellID: "1", Offset: 20}, mgr.lastPairs[1])
}

func TestRetrieveOutputMalformedPairsYieldsNil(t *testing.T) {
	mgr := &fakeManager{}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{"numPairs": {"2"}, "shellId1": {"0"}, "offset1": {"not-a-number"}}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/retrieve_output", form.Encode())
	req.Header.Set("Hue-Instance-ID", "tab-1")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Nil(t, mgr.lastPairs)
}

func TestRetrieveOutputRejectsDuplicateInstanceIDHeader(t *testing.T) {
	mgr := &fakeManager{}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{"numPairs": {"0"}}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/retrieve_output", form.Encode())
	req.Header.Add("Hue-Instance-ID", "tab-1")
	req.Header.Add("Hue-Instance-ID", "tab-2")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, mgr.lastTabID)
}

func TestKillShell(t *testing.T) {
	mgr := &fakeManager{}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{"shellId": {"0"}}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/kill_shell", form.Encode())
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, mgr.killed)
	assert.Equal(t, "0", mgr.lastShellID)
}

// asyncManager answers ListShellTypes from a separate goroutine after a
// delay, the way the real shellmanager.Manager does via Loop.Submit: the
// call returns immediately and Write/Finish happen later, off the calling
// goroutine. This is what exercises httpapi's suspend-until-Finish behavior
// that a synchronous fake like fakeManager never touches.
type asyncManager struct {
	fakeManager
	delay time.Duration
}

func (a *asyncManager) ListShellTypes(resp longpoll.Response) {
	go func() {
		time.Sleep(a.delay)
		resp.Write(protocol.ShellTypesResponse{Success: true, ShellTypes: []protocol.ShellTypeInfo{
			{NiceName: "Pig Grunt", KeyName: "pig"},
		}})
		resp.Finish()
	}()
}

func TestGetShellTypesWaitsForAsyncFinish(t *testing.T) {
	mgr := &asyncManager{delay: 150 * time.Millisecond}
	srv := newTestServer(mgr)
	defer srv.Close()

	req := authedRequest(t, http.MethodGet, srv.URL+"/shell/get_shell_types", "")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	// If the handler returned before the delayed Write/Finish ran, this
	// would be an empty 200 body instead of the real payload.
	var got protocol.ShellTypesResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.True(t, got.Success)
	require.Len(t, got.ShellTypes, 1)
	assert.Equal(t, "pig", got.ShellTypes[0].KeyName)
}

func TestRestoreShell(t *testing.T) {
	mgr := &fakeManager{restoreResp: protocol.RestoreResponse{Success: true, Output: "prior output", NextOffset: 12}}
	srv := newTestServer(mgr)
	defer srv.Close()

	form := url.Values{"shellId": {"0"}}
	req := authedRequest(t, http.MethodPost, srv.URL+"/shell/restore_shell", form.Encode())
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "0", mgr.lastShellID)
}
