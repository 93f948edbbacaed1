package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortiqa/mcp-orchestrator/internal/agent"
	"github.com/fortiqa/mcp-orchestrator/internal/domain"
	"github.com/fortiqa/mcp-orchestrator/internal/runstore"
	"github.com/fortiqa/mcp-orchestrator/internal/sessionpool"
)

// fakeRegistry is an in-memory TaskRegistry.
type fakeRegistry struct {
	mu       sync.Mutex
	statuses map[string]string
	logs     map[string][]string
	final    map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		statuses: make(map[string]string),
		logs:     make(map[string][]string),
		final:    make(map[string]string),
	}
}

func (f *fakeRegistry) Register(_ context.Context, taskID, _, status, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[taskID] = status
	return nil
}

func (f *fakeRegistry) UpdateMetadata(_ context.Context, taskID string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := fields["status"]; ok {
		f.statuses[taskID] = status
	}
	return nil
}

func (f *fakeRegistry) AppendLog(_ context.Context, taskID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[taskID] = append(f.logs[taskID], payload)
	return nil
}

func (f *fakeRegistry) Finalize(_ context.Context, taskID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[taskID] = status
	f.final[taskID] = status
	return nil
}

func (f *fakeRegistry) PersistLogFile(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (f *fakeRegistry) finalStatus(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final[taskID]
}

// fakeSource replays canned events. When block is set the stream stays open
// until the channel is closed or the ctx is cancelled.
type fakeSource struct {
	events []domain.Event
	err    error
	block  chan struct{}
}

func (f *fakeSource) Stream(ctx context.Context, _, _ string, _ *agent.ModelSettings) *agent.Stream {
	return agent.NewStream(func(send func(domain.Event) bool) error {
		for _, ev := range f.events {
			send(ev)
		}
		if f.block != nil {
			select {
			case <-f.block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return f.err
	})
}

func newTestOrchestrator(t *testing.T, sessions int, source agent.Source) (*Orchestrator, *fakeRegistry, *runstore.Store, *sessionpool.Pool) {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	var handles []domain.Session
	for i := 0; i < sessions; i++ {
		handles = append(handles, domain.Session{
			Identifier: string(rune('a' + i)),
			ServerURL:  "http://mcp-" + string(rune('a'+i)),
			ViewerURL:  "http://xpra-" + string(rune('a'+i)),
		})
	}
	pool := sessionpool.New(handles)
	registry := newFakeRegistry()
	return New(pool, registry, store, source), registry, store, pool
}

func drain(t *testing.T, task *ManagedTask) []domain.Event {
	t.Helper()
	var events []domain.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-task.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("task %s did not finish; got %d events", task.ID, len(events))
		}
	}
}

func eventTypes(events []domain.Event) []domain.EventType {
	types := make([]domain.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestOrchestrator_ImmediateRun(t *testing.T) {
	source := &fakeSource{events: []domain.Event{
		{Type: domain.EventAgent, Message: "step one"},
		{Type: domain.EventResult, Message: "all good"},
	}}
	o, registry, store, pool := newTestOrchestrator(t, 1, source)

	task, err := o.Submit(context.Background(), SubmitRequest{Task: "Check MFA login\nwith push approval"})
	if err != nil {
		t.Fatal(err)
	}

	events := drain(t, task)
	types := eventTypes(events)
	want := []domain.EventType{
		domain.EventTask, domain.EventSession,
		domain.EventAgent, domain.EventResult, domain.EventSuccess,
	}
	if len(types) != len(want) {
		t.Fatalf("got events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}

	if got := events[len(events)-1].Status; got != domain.TaskCompleted {
		t.Errorf("final status = %s, want completed", got)
	}
	if registry.finalStatus(task.ID) != "completed" {
		t.Errorf("registry final status = %q", registry.finalStatus(task.ID))
	}
	if pool.Available() != 1 {
		t.Errorf("pool available = %d, want 1 after completion", pool.Available())
	}
	if _, ok := o.Get(task.ID); ok {
		t.Error("task still in live set after finalization")
	}

	// A draft test case and run row were synthesized.
	if task.RunID == 0 {
		t.Fatal("no ledger run linked")
	}
	run, err := store.GetRun(task.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted || run.Result != domain.ResultSuccess {
		t.Errorf("run = %s/%s, want completed/success", run.Status, run.Result)
	}
	if len(run.Log) == 0 {
		t.Error("run log empty")
	}
	tc, err := store.GetTestCase(run.TestCaseID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(tc.Reference, "DRAFT-") {
		t.Errorf("synthetic reference = %q", tc.Reference)
	}
	if tc.Title != "Check MFA login" {
		t.Errorf("draft title = %q, want first task line", tc.Title)
	}
}

func TestOrchestrator_SecondTaskWaitsAndCancelCleanly(t *testing.T) {
	block := make(chan struct{})
	source := &fakeSource{block: block}
	o, registry, _, pool := newTestOrchestrator(t, 1, source)

	first, err := o.Submit(context.Background(), SubmitRequest{Task: "first"})
	if err != nil {
		t.Fatal(err)
	}
	// Wait until the first task holds the session.
	deadline := time.Now().Add(2 * time.Second)
	for first.Session() == nil {
		if time.Now().After(deadline) {
			t.Fatal("first task never acquired a session")
		}
		time.Sleep(time.Millisecond)
	}

	second, err := o.Submit(context.Background(), SubmitRequest{Task: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Status() != domain.TaskPending {
		t.Fatalf("second task status = %s, want pending", second.Status())
	}

	if err := o.Cancel(second.ID); err != nil {
		t.Fatal(err)
	}
	events := drain(t, second)
	last := events[len(events)-1]
	if last.Type != domain.EventCancelled || last.Status != domain.TaskCancelled {
		t.Errorf("second task final event = %+v, want cancelled", last)
	}
	if registry.finalStatus(second.ID) != "cancelled" {
		t.Errorf("registry status = %q, want cancelled", registry.finalStatus(second.ID))
	}

	// First task is unaffected and finishes normally.
	close(block)
	firstEvents := drain(t, first)
	if firstEvents[len(firstEvents)-1].Status != domain.TaskCompleted {
		t.Error("first task did not complete")
	}

	// The released handle must not be claimed by the cancelled waiter.
	if pool.Available() != 1 {
		t.Errorf("pool available = %d, want 1", pool.Available())
	}
}

func TestOrchestrator_CancelRunning(t *testing.T) {
	source := &fakeSource{block: make(chan struct{})}
	o, _, store, pool := newTestOrchestrator(t, 1, source)

	task, err := o.Submit(context.Background(), SubmitRequest{Task: "long running"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for task.Session() == nil {
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := o.Cancel(task.ID); err != nil {
		t.Fatal(err)
	}

	// Cancel blocks until finalization, so everything is settled here.
	if task.Status() != domain.TaskCancelled {
		t.Errorf("status = %s, want cancelled", task.Status())
	}
	if pool.Available() != 1 {
		t.Errorf("pool available = %d, want 1 after cancellation", pool.Available())
	}
	run, err := store.GetRun(task.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCancelled || run.Result != domain.ResultCancelled {
		t.Errorf("run = %s/%s, want cancelled/cancelled", run.Status, run.Result)
	}
}

func TestOrchestrator_SourceErrorMarksFailed(t *testing.T) {
	source := &fakeSource{err: errors.New("bridge unreachable")}
	o, _, store, pool := newTestOrchestrator(t, 1, source)

	task, err := o.Submit(context.Background(), SubmitRequest{Task: "doomed"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, task)
	last := events[len(events)-1]
	if last.Type != domain.EventError || last.Status != domain.TaskFailed {
		t.Errorf("final event = %+v, want error/failed", last)
	}
	run, err := store.GetRun(task.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunFailed || run.Result != domain.ResultError {
		t.Errorf("run = %s/%s, want failed/error", run.Status, run.Result)
	}
	if pool.Available() != 1 {
		t.Errorf("pool available = %d, want released handle", pool.Available())
	}
}

func TestOrchestrator_CancelUnknownTask(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, 1, &fakeSource{})
	if err := o.Cancel("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestOrchestrator_EmptyTaskRejected(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, 1, &fakeSource{})
	if _, err := o.Submit(context.Background(), SubmitRequest{Task: "   \n "}); err == nil {
		t.Error("want error for empty task text")
	}
}

func TestDraftTitle(t *testing.T) {
	if got := draftTitle("\n\n  hello world  \nsecond"); got != "hello world" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 300)
	if got := draftTitle(long); len([]rune(got)) != maxDraftTitleRunes {
		t.Errorf("long title not truncated: %d runes", len([]rune(got)))
	}
	if got := draftTitle("   "); got != "Ad-hoc task" {
		t.Errorf("fallback = %q", got)
	}
}

func TestOrchestrator_LinkedTestCase(t *testing.T) {
	source := &fakeSource{events: []domain.Event{{Type: domain.EventResult, Message: "ok"}}}
	o, _, store, _ := newTestOrchestrator(t, 1, source)

	tc := &domain.TestCase{Reference: "TC-7", Title: "Existing", Priority: "High", Status: domain.CaseReady}
	if err := store.CreateTestCase(tc); err != nil {
		t.Fatal(err)
	}

	task, err := o.Submit(context.Background(), SubmitRequest{Task: "run it", TestCaseID: tc.ID})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, task)

	if task.TestCaseRef != "TC-7" {
		t.Errorf("TestCaseRef = %q, want TC-7", task.TestCaseRef)
	}
	run, err := store.GetRun(task.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.TestCaseID != tc.ID {
		t.Errorf("run linked to case %d, want %d", run.TestCaseID, tc.ID)
	}
}
