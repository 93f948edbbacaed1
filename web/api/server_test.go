package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortiqa/mcp-orchestrator/internal/agent"
	"github.com/fortiqa/mcp-orchestrator/internal/domain"
	"github.com/fortiqa/mcp-orchestrator/internal/orchestrator"
	"github.com/fortiqa/mcp-orchestrator/internal/runstore"
	"github.com/fortiqa/mcp-orchestrator/internal/runworker"
	"github.com/fortiqa/mcp-orchestrator/internal/sessionpool"
	"github.com/fortiqa/mcp-orchestrator/internal/taskregistry"
)

// mockRegistry satisfies both the API's Registry and the orchestrator's
// TaskRegistry. When unavailable is set every call fails like a redis outage.
type mockRegistry struct {
	mu          sync.Mutex
	metadata    map[string]map[string]string
	unavailable bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{metadata: make(map[string]map[string]string)}
}

func (m *mockRegistry) fail() error {
	if m.unavailable {
		return taskregistry.ErrUnavailable
	}
	return nil
}

func (m *mockRegistry) Register(_ context.Context, taskID, taskText, status, prompt, _, _ string) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[taskID] = map[string]string{"task": taskText, "status": status, "prompt": prompt}
	return nil
}

func (m *mockRegistry) UpdateMetadata(_ context.Context, taskID string, fields map[string]string) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range fields {
		m.metadata[taskID][k] = v
	}
	return nil
}

func (m *mockRegistry) AppendLog(context.Context, string, string) error { return m.fail() }

func (m *mockRegistry) Finalize(_ context.Context, taskID, status string) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[taskID]["status"] = status
	return nil
}

func (m *mockRegistry) PersistLogFile(context.Context, string) (string, error) {
	return "", m.fail()
}

func (m *mockRegistry) GetMetadata(_ context.Context, taskID string) (map[string]string, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.metadata[taskID]
	if !ok {
		return nil, taskregistry.ErrNotFound
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out, nil
}

func (m *mockRegistry) LogEntries(context.Context, string) ([]taskregistry.LogEntry, error) {
	return nil, m.fail()
}

func (m *mockRegistry) LogLength(context.Context, string) (int64, error) { return 0, m.fail() }

func (m *mockRegistry) FetchBucket(_ context.Context, bucket string) ([]map[string]string, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]string
	for id, md := range m.metadata {
		status := md["status"]
		if status == "running" {
			status = "active"
		}
		if status == bucket {
			entry := map[string]string{"task_id": id}
			for k, v := range md {
				entry[k] = v
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *mockRegistry) GetOrCreateLogFile(context.Context, string) (string, error) {
	return "", m.fail()
}

// fakeSource replays canned events.
type fakeSource struct {
	events []domain.Event
}

func (f *fakeSource) Stream(ctx context.Context, _, _ string, _ *agent.ModelSettings) *agent.Stream {
	return agent.NewStream(func(send func(domain.Event) bool) error {
		for _, ev := range f.events {
			send(ev)
		}
		return nil
	})
}

func newTestServer(t *testing.T, registry *mockRegistry, source agent.Source) (*Server, *runstore.Store, *runworker.Pool) {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := sessionpool.New([]domain.Session{
		{Identifier: "s1", ServerURL: "http://mcp", ViewerURL: "http://xpra"},
	})
	tasks := orchestrator.New(sessions, registry, store, source)
	runs := runworker.New(store, sessions, source, 1)
	return NewServer(store, registry, tasks, runs, sessions, ":0"), store, runs
}

func TestStatusHandler(t *testing.T) {
	server, _, _ := newTestServer(t, newMockRegistry(), &fakeSource{})

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if status.Sessions.Total != 1 || status.Sessions.Available != 1 {
		t.Errorf("sessions = %+v, want 1 total, 1 available", status.Sessions)
	}
	if status.RunWorkers != 1 {
		t.Errorf("RunWorkers = %d, want 1", status.RunWorkers)
	}
}

func TestQueueRunsHandler(t *testing.T) {
	server, store, runs := newTestServer(t, newMockRegistry(), &fakeSource{})

	tc := &domain.TestCase{Reference: "TC-1", Title: "Login", Priority: "High", Status: domain.CaseReady}
	if err := store.CreateTestCase(tc); err != nil {
		t.Fatal(err)
	}

	body := strings.NewReader(`{"test_case_ids": [` + itoa(tc.ID) + `, 999]}`)
	req := httptest.NewRequest("POST", "/api/runs/queue", body)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body.String())
	}

	var resp QueueRunsResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Queued) != 1 {
		t.Fatalf("queued = %v, want one run", resp.Queued)
	}
	if len(resp.Missing) != 1 || resp.Missing[0] != 999 {
		t.Errorf("missing = %v, want [999]", resp.Missing)
	}

	run, err := store.GetRun(resp.Queued[0])
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunQueued {
		t.Errorf("run status = %s, want queued", run.Status)
	}
	if !strings.Contains(run.Prompt, "TC-1") {
		t.Errorf("prompt %q missing test case reference", run.Prompt)
	}
	if runs.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", runs.QueueDepth())
	}
}

func TestGetRunHandler(t *testing.T) {
	server, store, _ := newTestServer(t, newMockRegistry(), &fakeSource{})

	tc := &domain.TestCase{Reference: "TC-2", Title: "Reset", Priority: "Low", Status: domain.CaseReady}
	if err := store.CreateTestCase(tc); err != nil {
		t.Fatal(err)
	}
	run := &domain.Run{TestCaseID: tc.ID, Status: domain.RunQueued, Prompt: "p"}
	if err := store.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/runs/"+itoa(run.ID), nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp RunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.ID != run.ID || resp.Status != "queued" {
		t.Errorf("resp = %+v", resp)
	}

	// Unknown run id is a 404.
	req = httptest.NewRequest("GET", "/api/runs/424242", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestTaskHandler_NotFoundAndUnavailable(t *testing.T) {
	registry := newMockRegistry()
	server, _, _ := newTestServer(t, registry, &fakeSource{})

	req := httptest.NewRequest("GET", "/api/tasks/nope", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}

	registry.unavailable = true
	req = httptest.NewRequest("GET", "/api/tasks", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503 when registry is down", w.Code)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	server, _, _ := newTestServer(t, newMockRegistry(), &fakeSource{})

	req := httptest.NewRequest("POST", "/api/tasks/ghost/cancel", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestSubmitTaskStreamsEvents(t *testing.T) {
	source := &fakeSource{events: []domain.Event{
		{Type: domain.EventAgent, Message: "working"},
		{Type: domain.EventResult, Message: "done"},
	}}
	server, _, _ := newTestServer(t, newMockRegistry(), source)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/tasks", "application/json",
		strings.NewReader(`{"task": "check the login flow"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var payloads []string
	sawDone := false
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for !sawDone {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended without [DONE]")
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				sawDone = true
				break
			}
			payloads = append(payloads, payload)
		case <-deadline:
			t.Fatal("timed out reading task stream")
		}
	}

	// Envelope, session assignment, the two agent records, terminal event.
	if len(payloads) < 4 {
		t.Fatalf("got %d events: %v", len(payloads), payloads)
	}
	var first domain.Event
	if err := json.Unmarshal([]byte(payloads[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != domain.EventTask {
		t.Errorf("first event type = %s, want task envelope", first.Type)
	}
	var last domain.Event
	if err := json.Unmarshal([]byte(payloads[len(payloads)-1]), &last); err != nil {
		t.Fatal(err)
	}
	if last.Status != domain.TaskCompleted {
		t.Errorf("terminal event = %+v, want completed", last)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
