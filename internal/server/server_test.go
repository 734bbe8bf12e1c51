package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("crewline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyAgentHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerAgentHTTP(t *testing.T, srv *testServer, name, role string) AgentResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/crewline/agents", map[string]any{
		"name": name,
		"role": role,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent status %d: %s", res.StatusCode, data)
	}
	var a AgentResponse
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	return a
}

func createTaskHTTP(t *testing.T, srv *testServer, title string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/crewline/tasks", map[string]any{
		"title": title,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", data, err)
	}
	return envelope.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
}

func TestTransitionOverHTTPWithIdempotencyReplay(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	task := createTaskHTTP(t, srv, "ship feature")

	transition := map[string]any{"from": "backlog", "to": "ready"}
	headers := map[string]string{"X-Idempotency-Key": "retry-1"}
	url := srv.URL + "/v0/projects/crewline/tasks/" + task.ID + "/transition"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, transition, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, data)
	}
	var first TaskResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatal(err)
	}
	if first.Status != "ready" {
		t.Fatalf("status = %s", first.Status)
	}

	// Same key replays the committed result instead of failing the CAS.
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, transition, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, data)
	}
	var second TaskResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatal(err)
	}
	if second.Status != "ready" || second.UpdatedAt != first.UpdatedAt {
		t.Fatalf("replay snapshot differs: %+v vs %+v", second, first)
	}

	// A different key hits the CAS and reports stale state.
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, transition, map[string]string{"X-Idempotency-Key": "retry-2"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale transition status %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "stale_state" {
		t.Fatalf("error code = %s", code)
	}
}

func TestInvalidTransitionCode(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	task := createTaskHTTP(t, srv, "bad edge")
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/crewline/tasks/"+task.ID+"/transition",
		map[string]any{"from": "backlog", "to": "merged"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("error code = %s", code)
	}
}

func TestClaimConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := registerAgentHTTP(t, srv, "ada", "coder")
	b := registerAgentHTTP(t, srv, "bob", "coder")
	task := createTaskHTTP(t, srv, "contended")

	if _, err := srv.Engine.DB.Exec(`UPDATE tasks SET status='ready' WHERE id=?`, task.ID); err != nil {
		t.Fatal(err)
	}

	url := srv.URL + "/v0/projects/crewline/tasks/" + task.ID + "/claim"
	res, data := doJSON(t, srv.Client(), http.MethodPost, url, nil, map[string]string{"X-Agent-Id": a.ID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, nil, map[string]string{"X-Agent-Id": b.ID})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "already_owned" {
		t.Fatalf("error code = %s", code)
	}
}

func TestNotOwnerOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := registerAgentHTTP(t, srv, "ada", "coder")
	b := registerAgentHTTP(t, srv, "bob", "coder")
	task := createTaskHTTP(t, srv, "owned")
	if _, err := srv.Engine.DB.Exec(`UPDATE tasks SET status='ready' WHERE id=?`, task.ID); err != nil {
		t.Fatal(err)
	}
	url := srv.URL + "/v0/projects/crewline/tasks/" + task.ID + "/transition"
	res, data := doJSON(t, srv.Client(), http.MethodPost, url,
		map[string]any{"from": "ready", "to": "in_progress"}, map[string]string{"X-Agent-Id": a.ID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim edge status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, url,
		map[string]any{"from": "in_progress", "to": "in_qa"}, map[string]string{"X-Agent-Id": b.ID})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_owner" {
		t.Fatalf("error code = %s", code)
	}
}

func TestThreadAndDeliveriesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := registerAgentHTTP(t, srv, "ada", "coder")
	b := registerAgentHTTP(t, srv, "bob", "coder")

	sibling := createTaskHTTP(t, srv, "sibling")
	if _, err := srv.Engine.DB.Exec(`UPDATE tasks SET status='ready' WHERE id=?`, sibling.ID); err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/crewline/tasks/"+sibling.ID+"/transition",
		map[string]any{"from": "ready", "to": "in_progress"}, map[string]string{"X-Agent-Id": b.ID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sibling claim status %d: %s", res.StatusCode, data)
	}

	task := createTaskHTTP(t, srv, "merging")
	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/crewline/tasks/"+task.ID+"/thread", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get thread status %d: %s", res.StatusCode, data)
	}
	var thread ThreadResponse
	if err := json.Unmarshal(data, &thread); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/threads/"+thread.ID+"/messages",
		map[string]any{"post_type": "progress", "content": "on it"}, map[string]string{"X-Agent-Id": a.ID})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post message status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/threads/"+thread.ID+"/messages", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages status %d: %s", res.StatusCode, data)
	}
	var messages []MessageResponse
	if err := json.Unmarshal(data, &messages); err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].Content != "on it" {
		t.Fatalf("messages = %+v", messages)
	}

	if _, err := srv.Engine.DB.Exec(`UPDATE tasks SET status='in_review' WHERE id=?`, task.ID); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/crewline/tasks/"+task.ID+"/transition",
		map[string]any{"from": "in_review", "to": "merged"}, map[string]string{"X-Agent-Id": a.ID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("merge status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/agents/"+b.ID+"/events?after=0", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll events status %d: %s", res.StatusCode, data)
	}
	var deliveries []DeliveryResponse
	if err := json.Unmarshal(data, &deliveries); err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 || deliveries[0].Type != "main_updated" {
		t.Fatalf("deliveries = %+v", deliveries)
	}
}
