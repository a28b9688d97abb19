package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"appforge/internal/agent"
	"appforge/internal/bus"
	"appforge/internal/cache"
	"appforge/internal/fault"
	"appforge/internal/model"
	"appforge/internal/project"
	"appforge/internal/sandbox"
)

type fakeSandbox struct {
	execErr   error
	shot      []byte
	shotErr   error
	sessionID string
	status    sandbox.Status
	reinits   int
}

func (f *fakeSandbox) Execute(_ context.Context, cmd sandbox.Command) (*sandbox.Outcome, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &sandbox.Outcome{Output: "ok: " + string(cmd.Action)}, nil
}

func (f *fakeSandbox) Screenshot(context.Context) ([]byte, error) { return f.shot, f.shotErr }

func (f *fakeSandbox) Reinitialize(context.Context) error {
	f.reinits++
	f.sessionID = "session-after-reinit"
	f.status = sandbox.StatusReady
	return nil
}

func (f *fakeSandbox) SessionID() string      { return f.sessionID }
func (f *fakeSandbox) Status() sandbox.Status { return f.status }

func newTestServer(t *testing.T, gen model.Generator, sb *fakeSandbox) (*httptest.Server, *bus.Bus) {
	t.Helper()
	store, err := project.Open(filepath.Join(t.TempDir(), "server.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New(nil)
	a := agent.New(agent.Config{
		Generator: gen,
		Cache:     cache.NewFallible(cache.NewMemory(0), nil),
		Store:     store,
		Bus:       b,
		Sandbox:   sb,
	})
	ts := httptest.NewServer(New(a, b, store, sb, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func staticGenerator(reply string) model.Generator {
	return model.GeneratorFunc(func(context.Context, string) (string, error) {
		return reply, nil
	})
}

func TestChatEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, staticGenerator("hello from the model"), &fakeSandbox{})

	resp := postJSON(t, ts.URL+"/agent/chat", map[string]string{"message": "hi"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["reply"] != "hello from the model" {
		t.Errorf("reply = %v", body["reply"])
	}
	if body["session_id"] == "" {
		t.Error("server must mint a session id when the caller omits one")
	}
}

func TestChatEndpointEmptyMessage(t *testing.T) {
	ts, _ := newTestServer(t, staticGenerator("x"), &fakeSandbox{})

	resp := postJSON(t, ts.URL+"/agent/chat", map[string]string{"message": ""}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["retryable"] != false {
		t.Error("validation errors are not retryable")
	}
}

func TestGenerateAppEndpoint(t *testing.T) {
	reply := "**File: index.html**\n```html\n<h1>hi</h1>\n```\n"
	ts, _ := newTestServer(t, staticGenerator(reply), &fakeSandbox{})

	resp := postJSON(t, ts.URL+"/agent/generate-app",
		map[string]string{"description": "a greeting page"},
		map[string]string{"X-Owner-ID": "user-42"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["project_id"] == "" {
		t.Error("missing project_id")
	}
	files, ok := body["files"].([]any)
	if !ok || len(files) != 1 {
		t.Fatalf("files = %v", body["files"])
	}
}

func TestToolEndpointBusyMapsTo429(t *testing.T) {
	sb := &fakeSandbox{execErr: fault.Newf(fault.KindBusy, "sandbox", "a command is already running")}
	ts, _ := newTestServer(t, staticGenerator("x"), sb)

	resp := postJSON(t, ts.URL+"/agent/tool", map[string]any{
		"tool": "browser",
		"args": map[string]any{"action": "click", "selector": "#x"},
	}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["retryable"] != true {
		t.Error("busy must be reported retryable")
	}
}

func TestToolEndpointCrashMapsTo503(t *testing.T) {
	sb := &fakeSandbox{execErr: fault.Newf(fault.KindSandboxCrash, "sandbox", "session crashed, requires reinitialization")}
	ts, _ := newTestServer(t, staticGenerator("x"), sb)

	resp := postJSON(t, ts.URL+"/agent/tool", map[string]any{
		"tool": "browser",
		"args": map[string]any{"action": "screenshot"},
	}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestEventsWebSocketStreamsInOrder(t *testing.T) {
	ts, b := newTestServer(t, staticGenerator("x"), &fakeSandbox{})

	for i := 0; i < 3; i++ {
		if _, err := b.Publish("ws-1", bus.Thought("step")); err != nil {
			t.Fatal(err)
		}
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agent/events/ws-1?from_seq=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for want := uint64(1); want <= 3; want++ {
		var ev bus.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event %d: %v", want, err)
		}
		if ev.Seq != want {
			t.Fatalf("seq = %d, want %d", ev.Seq, want)
		}
	}

	// A live event published after connect is delivered too.
	if _, err := b.Publish("ws-1", bus.Result("done")); err != nil {
		t.Fatal(err)
	}
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != bus.TypeResult || ev.Seq != 4 {
		t.Errorf("live event = %+v", ev)
	}
}

func TestEventsWebSocketClosedSession(t *testing.T) {
	ts, b := newTestServer(t, staticGenerator("x"), &fakeSandbox{})

	if _, err := b.Publish("ws-2", bus.Result("finished")); err != nil {
		t.Fatal(err)
	}
	b.Close("ws-2")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agent/events/ws-2?from_seq=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Content != "finished" {
		t.Errorf("replayed event = %+v", ev)
	}
	// The next read hits the close frame.
	if err := conn.ReadJSON(&ev); err == nil {
		t.Error("expected close after replay of a closed session")
	}
}

func TestScreenshotEndpoint(t *testing.T) {
	sb := &fakeSandbox{shot: []byte{0x89, 'P', 'N', 'G'}}
	ts, _ := newTestServer(t, staticGenerator("x"), sb)

	resp, err := http.Get(ts.URL + "/sandbox/screenshot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
}

func TestReinitEndpoint(t *testing.T) {
	sb := &fakeSandbox{status: sandbox.StatusCrashed, sessionID: "dead"}
	ts, _ := newTestServer(t, staticGenerator("x"), sb)

	resp := postJSON(t, ts.URL+"/sandbox/reinit", map[string]any{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sb.reinits != 1 {
		t.Errorf("reinits = %d", sb.reinits)
	}
	body := decodeBody(t, resp)
	if body["sandbox_session"] != "session-after-reinit" {
		t.Errorf("sandbox_session = %v", body["sandbox_session"])
	}
}

func TestProjectEndpointsScopedByOwner(t *testing.T) {
	reply := "**File: index.html**\n```html\n<h1>hi</h1>\n```\n"
	ts, _ := newTestServer(t, staticGenerator(reply), &fakeSandbox{})

	created := postJSON(t, ts.URL+"/agent/generate-app",
		map[string]string{"description": "a page"},
		map[string]string{"X-Owner-ID": "alice"})
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", created.StatusCode)
	}
	projectID, _ := decodeBody(t, created)["project_id"].(string)
	if projectID == "" {
		t.Fatal("no project_id in create response")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/projects", nil)
	req.Header.Set("X-Owner-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	projects, _ := decodeBody(t, resp)["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("alice sees %d projects, want 1", len(projects))
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/projects", nil)
	req2.Header.Set("X-Owner-ID", "bob")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if projects, _ := decodeBody(t, resp2)["projects"].([]any); len(projects) != 0 {
		t.Errorf("bob sees %d of alice's projects", len(projects))
	}

	resp3, err := http.Get(ts.URL + "/projects/" + projectID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("get project status = %d", resp3.StatusCode)
	}
	body := decodeBody(t, resp3)
	if files, _ := body["files"].([]any); len(files) != 1 {
		t.Errorf("project files = %v", body["files"])
	}

	resp4, err := http.Get(ts.URL + "/projects/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp4.Body.Close()
	if resp4.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown project status = %d", resp4.StatusCode)
	}
}

func TestStatusEndpointTracksThinking(t *testing.T) {
	ts, b := newTestServer(t, staticGenerator("x"), &fakeSandbox{})

	if _, err := b.Publish("st-1", bus.Thought("working")); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(ts.URL + "/agent/status/st-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if body := decodeBody(t, resp); body["busy"] != true {
		t.Errorf("busy = %v after thought", body["busy"])
	}

	if _, err := b.Publish("st-1", bus.Result("done")); err != nil {
		t.Fatal(err)
	}
	resp2, err := http.Get(ts.URL + "/agent/status/st-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if body := decodeBody(t, resp2); body["busy"] != false {
		t.Errorf("busy = %v after result", body["busy"])
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	ts, _ := newTestServer(t, staticGenerator("x"), &fakeSandbox{})

	resp := postJSON(t, ts.URL+"/agent/chat", map[string]any{
		"message": "hi",
		"bogus":   true,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
