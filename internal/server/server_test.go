package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"contextline/internal/app"
	"contextline/internal/config"
	"contextline/internal/db"
	"contextline/internal/domain"
	"contextline/internal/engine"
	"contextline/internal/migrate"
)

type testServer struct {
	URL    string
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
	cfg := config.Default("contextline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := app.EnsureRootOrg(context.Background(), e.Repo); err != nil {
		t.Fatalf("root org: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowAnonymous: true}})
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Error.Code
}

// seedApprovedItem creates an item with one approved version over the API.
func seedApprovedItem(t *testing.T, srv *testServer, name, lob, payload string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"kind": "context", "name": name, "line_of_business": lob,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+name+"/versions", map[string]any{
		"payload": json.RawMessage(payload), "author": "alice",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("propose version: %d %s", res.StatusCode, data)
	}
	var v domain.Version
	_ = json.Unmarshal(data, &v)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+v.ID+"/approve", map[string]any{"actor": "bob"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve version: %d %s", res.StatusCode, data)
	}
}

// seedApprovedAgent registers and approves an agent over the API.
func seedApprovedAgent(t *testing.T, srv *testServer, agentID, team string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"agent_id": agentID, "owner_team": team,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent: %d %s", res.StatusCode, data)
	}
	for _, step := range []string{"submit", "approve"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/"+agentID+"/"+step, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s agent: %d %s", step, res.StatusCode, data)
		}
	}
}

func agentAudit(t *testing.T, srv *testServer, agentID string) []domain.AccessEntry {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit/agents/"+agentID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d %s", res.StatusCode, data)
	}
	var entries []domain.AccessEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	return entries
}

func TestInjectCrossLOBDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedApprovedItem(t, srv, "ib-playbook", "investment_banking", `{"text":"confidential"}`)
	seedApprovedAgent(t, srv, "wm-bot", "wealth_management")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/inject/ib-playbook", nil, map[string]string{
		"X-Agent-Id": "wm-bot",
		"X-Trace-Id": "trace-a",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "policy_denied" {
		t.Fatalf("expected policy_denied, got %s", code)
	}

	entries := agentAudit(t, srv, "wm-bot")
	if len(entries) != 1 || entries[0].Outcome != "denied" || entries[0].TraceID != "trace-a" {
		t.Fatalf("denial not audited: %+v", entries)
	}
}

func TestInjectDeliversActiveVersion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedApprovedItem(t, srv, "ib-playbook", "investment_banking", `{"greeting":"hello {{name}}"}`)
	seedApprovedAgent(t, srv, "ib-bot", "investment_banking")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/inject/ib-playbook", map[string]any{
		"variables": map[string]string{"name": "desk"},
	}, map[string]string{
		"X-Agent-Id": "ib-bot",
		"X-Trace-Id": "trace-b",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", res.StatusCode, data)
	}
	if res.Header.Get("X-Content-Version") != "1" || res.Header.Get("X-Content-Item") != "ib-playbook" {
		t.Fatalf("missing delivery headers: %v", res.Header)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("body not JSON: %v (%s)", err, data)
	}
	if body["greeting"] != "hello desk" {
		t.Fatalf("variables not substituted: %v", body)
	}

	entries := agentAudit(t, srv, "ib-bot")
	if len(entries) != 1 || entries[0].Outcome != "delivered" || entries[0].VersionID == nil {
		t.Fatalf("delivery not audited: %+v", entries)
	}
}

func TestInjectMissingTraceHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedApprovedItem(t, srv, "kb", "", `{"text":"x"}`)
	seedApprovedAgent(t, srv, "bot", "retail")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/inject/kb", nil, map[string]string{
		"X-Agent-Id": "bot",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, data)
	}
	if entries := agentAudit(t, srv, "bot"); len(entries) != 0 {
		t.Fatalf("validation failure must not be audited: %+v", entries)
	}
}

func TestApproveConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedApprovedItem(t, srv, "kb", "", `{"text":"x"}`)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/kb/versions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list versions: %d %s", res.StatusCode, data)
	}
	var versions []domain.Version
	_ = json.Unmarshal(data, &versions)
	if len(versions) != 1 {
		t.Fatalf("expected one version, got %d", len(versions))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/versions/"+versions[0].ID+"/approve", map[string]any{"actor": "carol"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}
}

func TestUnknownItemIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/inject/nope", nil, map[string]string{
		"X-Agent-Id": "bot",
		"X-Trace-Id": "t",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func rpcCall(t *testing.T, srv *testServer, method string, params any) (json.RawMessage, *json.RawMessage) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/a2a", map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rpc transport status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		JSONRPC string           `json:"jsonrpc"`
		Result  json.RawMessage  `json:"result"`
		Error   *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode rpc envelope: %v (%s)", err, data)
	}
	if envelope.JSONRPC != "2.0" {
		t.Fatalf("bad envelope: %s", data)
	}
	return envelope.Result, envelope.Error
}

func rpcErrorCode(t *testing.T, raw *json.RawMessage) int {
	t.Helper()
	if raw == nil {
		t.Fatalf("expected rpc error")
	}
	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(*raw, &e); err != nil {
		t.Fatalf("decode rpc error: %v", err)
	}
	return e.Code
}

func TestRPCUnknownMethod(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, rpcErr := rpcCall(t, srv, "no/such", nil)
	if code := rpcErrorCode(t, rpcErr); code != -32601 {
		t.Fatalf("expected -32601, got %d", code)
	}
}

func TestRPCCardAndDiscovery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	result, rpcErr := rpcCall(t, srv, "card/get", nil)
	if rpcErr != nil {
		t.Fatalf("card/get error: %s", *rpcErr)
	}
	var card struct {
		ProtocolVersion string `json:"protocolVersion"`
		Skills          []struct {
			ID string `json:"id"`
		} `json:"skills"`
	}
	if err := json.Unmarshal(result, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.ProtocolVersion == "" || len(card.Skills) != 4 {
		t.Fatalf("unexpected card: %+v", card)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/.well-known/agent.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("well-known: %d %s", res.StatusCode, data)
	}
}

func TestRPCSkillPolicyDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedApprovedItem(t, srv, "kb", "", `{"text":"x"}`)

	_, rpcErr := rpcCall(t, srv, "skills/execute", map[string]any{
		"skill": "get_context",
		"input": map[string]any{"name": "kb", "agent_id": "ghost", "trace_id": "t"},
	})
	if code := rpcErrorCode(t, rpcErr); code != 1003 {
		t.Fatalf("expected 1003, got %d", code)
	}
}

func TestRPCTaskFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedApprovedItem(t, srv, "kb", "", `{"text":"x"}`)
	seedApprovedAgent(t, srv, "bot", "retail")

	result, rpcErr := rpcCall(t, srv, "tasks/create", map[string]any{
		"skill": "get_context",
		"input": map[string]any{"name": "kb", "agent_id": "bot", "trace_id": "t-1"},
	})
	if rpcErr != nil {
		t.Fatalf("tasks/create: %s", *rpcErr)
	}
	var task domain.Task
	if err := json.Unmarshal(result, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != "submitted" {
		t.Fatalf("expected submitted, got %s", task.Status)
	}

	result, rpcErr = rpcCall(t, srv, "tasks/execute", map[string]any{"task_id": task.ID})
	if rpcErr != nil {
		t.Fatalf("tasks/execute: %s", *rpcErr)
	}
	_ = json.Unmarshal(result, &task)
	if task.Status != "completed" {
		t.Fatalf("expected completed, got %s", task.Status)
	}

	// Executing the same task again is an invalid transition.
	_, rpcErr = rpcCall(t, srv, "tasks/execute", map[string]any{"task_id": task.ID})
	if code := rpcErrorCode(t, rpcErr); code != 1002 {
		t.Fatalf("expected 1002, got %d", code)
	}

	result, rpcErr = rpcCall(t, srv, "tasks/get", map[string]any{"task_id": task.ID})
	if rpcErr != nil {
		t.Fatalf("tasks/get: %s", *rpcErr)
	}
	_ = json.Unmarshal(result, &task)
	if task.Status != "completed" || task.OutputJSON == nil {
		t.Fatalf("expected completed task with output: %+v", task)
	}
}

func TestRPCInvalidEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/a2a", map[string]any{
		"jsonrpc": "1.0",
		"method":  "card/get",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transport status %d", res.StatusCode)
	}
	var envelope struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error == nil || envelope.Error.Code != -32600 {
		t.Fatalf("expected -32600, got %s", data)
	}
}
