// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fortiqa/mcp-orchestrator/internal/agent"
	"github.com/fortiqa/mcp-orchestrator/internal/domain"
	"github.com/fortiqa/mcp-orchestrator/internal/prompt"
	"github.com/fortiqa/mcp-orchestrator/internal/runstore"
	"github.com/fortiqa/mcp-orchestrator/internal/sessionpool"
)

// ErrTaskNotFound is returned when a task id is unknown or already finished.
var ErrTaskNotFound = errors.New("task not found")

const (
	// eventBuffer sizes each task's event channel. A subscriber that falls
	// further behind than this loses intermediate events; the terminal
	// close is never lost.
	eventBuffer = 256

	maxDraftTitleRunes = 120
)

// TaskRegistry is the slice of the fast store the orchestrator needs.
// *taskregistry.Registry satisfies it.
type TaskRegistry interface {
	Register(ctx context.Context, taskID, taskText, status, prompt, serverURL, viewerURL string) error
	UpdateMetadata(ctx context.Context, taskID string, fields map[string]string) error
	AppendLog(ctx context.Context, taskID, payload string) error
	Finalize(ctx context.Context, taskID, status string) error
	PersistLogFile(ctx context.Context, taskID string) (string, error)
}

// SubmitRequest carries one ad-hoc task submission.
type SubmitRequest struct {
	Task       string
	Template   string // prompt template override, empty for the default
	Settings   *agent.ModelSettings
	TestCaseID int64 // link to an existing test case, 0 to synthesize a draft
}

// ManagedTask is the in-memory record of one ad-hoc execution. Exactly one
// exists per outstanding task id; it is removed from the orchestrator once
// its terminal event has been delivered and bookkeeping finalized.
type ManagedTask struct {
	ID          string
	Task        string
	Prompt      string
	Settings    *agent.ModelSettings
	RunID       int64
	TestCaseID  int64
	TestCaseRef string

	events chan domain.Event
	done   chan struct{}

	mu              sync.Mutex
	status          domain.TaskStatus
	session         *domain.Session
	cancelRequested bool
	cancelWait      context.CancelFunc // aborts the pool wait
	cancelRun       context.CancelFunc // aborts the event stream
	closed          bool               // events channel closed
	finalized       sync.Once
}

// Events is the task's event stream. Closed after the terminal event.
func (t *ManagedTask) Events() <-chan domain.Event { return t.events }

// Done is closed once finalization has completed.
func (t *ManagedTask) Done() <-chan struct{} { return t.done }

// Status returns the task's current lifecycle state.
func (t *ManagedTask) Status() domain.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Session returns the assigned session, or nil while none is held.
func (t *ManagedTask) Session() *domain.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// emit delivers an event to the task's subscriber without ever blocking the
// execution path. Events are dropped when the buffer is full or the channel
// has already been closed by finalization.
func (t *ManagedTask) emit(ev domain.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

// Orchestrator manages ad-hoc task executions: session acquisition, event
// relay, cancellation, and registry/ledger bookkeeping.
type Orchestrator struct {
	pool     *sessionpool.Pool
	registry TaskRegistry
	store    *runstore.Store
	source   agent.Source

	mu    sync.Mutex
	tasks map[string]*ManagedTask
}

// New creates an Orchestrator over the given collaborators.
func New(pool *sessionpool.Pool, registry TaskRegistry, store *runstore.Store, source agent.Source) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		registry: registry,
		store:    store,
		source:   source,
		tasks:    make(map[string]*ManagedTask),
	}
}

// Submit registers a new task and starts it. If a session is free the task
// goes straight to running; otherwise it is parked pending and a waiter
// goroutine queues on the pool. The returned task's Events() channel carries
// the live stream.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*ManagedTask, error) {
	text := strings.TrimSpace(req.Task)
	if text == "" {
		return nil, errors.New("task text is empty")
	}

	t := &ManagedTask{
		ID:       uuid.NewString(),
		Task:     text,
		Prompt:   prompt.Render(text, req.Template),
		Settings: req.Settings,
		events:   make(chan domain.Event, eventBuffer),
		done:     make(chan struct{}),
		status:   domain.TaskPending,
	}

	o.persistDraft(t, req.TestCaseID)

	if err := o.registry.Register(ctx, t.ID, text, string(domain.TaskPending), t.Prompt, "", ""); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.tasks[t.ID] = t
	o.mu.Unlock()

	t.emit(domain.Event{
		Type:        domain.EventTask,
		TaskID:      t.ID,
		Status:      domain.TaskPending,
		Message:     text,
		RunID:       t.RunID,
		TestCaseID:  t.TestCaseID,
		TestCaseRef: t.TestCaseRef,
	})

	if s, ok := o.pool.AcquireNoWait(); ok {
		o.activate(t, s)
		return t, nil
	}

	waitCtx, cancelWait := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelWait = cancelWait
	t.mu.Unlock()

	waiting := domain.Event{
		Type:    domain.EventInfo,
		TaskID:  t.ID,
		Status:  domain.TaskPending,
		Message: "All sessions are busy. Waiting for a free session.",
	}
	t.emit(waiting)
	o.mirror(t, waiting)

	go o.waitForSession(t, waitCtx)
	return t, nil
}

// persistDraft records the task in the run ledger: a draft Run row linked to
// either the supplied test case or a synthesized draft case. Ledger failures
// are logged and leave the task running without a linked row.
func (o *Orchestrator) persistDraft(t *ManagedTask, testCaseID int64) {
	if testCaseID == 0 {
		tc := &domain.TestCase{
			Reference:   draftReference(),
			Title:       draftTitle(t.Task),
			Description: t.Task,
			Category:    "Manual",
			Priority:    "Medium",
			Status:      domain.CaseDraft,
			Steps:       draftSteps(t.Task),
		}
		if err := o.store.CreateTestCase(tc); err != nil {
			log.Printf("orchestrator: creating draft test case: %v", err)
			return
		}
		testCaseID = tc.ID
		t.TestCaseRef = tc.Reference
	} else {
		tc, err := o.store.GetTestCase(testCaseID)
		if err != nil {
			log.Printf("orchestrator: loading test case %d: %v", testCaseID, err)
			return
		}
		t.TestCaseRef = tc.Reference
	}

	run := &domain.Run{
		TestCaseID: testCaseID,
		Status:     domain.RunDraft,
		Prompt:     t.Prompt,
		TaskID:     t.ID,
	}
	if err := o.store.CreateRun(run); err != nil {
		log.Printf("orchestrator: creating draft run: %v", err)
		return
	}
	t.RunID = run.ID
	t.TestCaseID = testCaseID
}

// waitForSession blocks on the pool on behalf of a pending task. A nil error
// hands the session to activate; cancellation of waitCtx means Cancel already
// finalized the task.
func (o *Orchestrator) waitForSession(t *ManagedTask, waitCtx context.Context) {
	s, err := o.pool.Acquire(waitCtx)
	if err != nil {
		return
	}
	o.activate(t, s)
}

// activate transitions a task to running on the given session and starts the
// execution goroutine. If cancellation won the race for a queued waiter, the
// session is released unused.
func (o *Orchestrator) activate(t *ManagedTask, s domain.Session) {
	t.mu.Lock()
	if t.cancelRequested {
		t.mu.Unlock()
		o.pool.Release(s)
		return
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	t.status = domain.TaskRunning
	t.session = &s
	t.cancelRun = cancelRun
	t.mu.Unlock()

	bg := context.Background()
	if err := o.registry.UpdateMetadata(bg, t.ID, map[string]string{
		"status":     string(domain.TaskRunning),
		"server_url": s.ServerURL,
		"xpra_url":   s.ViewerURL,
	}); err != nil {
		log.Printf("orchestrator: task %s: updating registry: %v", t.ID, err)
	}
	if t.RunID != 0 {
		if err := o.store.UpdateRunStatus(t.RunID, domain.RunRunning); err != nil {
			log.Printf("orchestrator: task %s: marking run %d running: %v", t.ID, t.RunID, err)
		}
		if err := o.store.UpdateRunEndpoints(t.RunID, s.ServerURL, s.ViewerURL); err != nil {
			log.Printf("orchestrator: task %s: recording endpoints: %v", t.ID, err)
		}
		if err := o.store.UpdateRunTaskID(t.RunID, t.ID); err != nil {
			log.Printf("orchestrator: task %s: linking run %d: %v", t.ID, t.RunID, err)
		}
	}

	assigned := domain.Event{
		Type:      domain.EventSession,
		TaskID:    t.ID,
		Status:    domain.TaskRunning,
		Message:   "Session " + s.Identifier + " assigned.",
		ServerURL: s.ServerURL,
		ViewerURL: s.ViewerURL,
	}
	t.emit(assigned)
	o.mirror(t, assigned)

	go o.run(t, runCtx, s)
}

// run consumes the agent event stream and drives the task to a terminal
// state. It owns the session for its whole lifetime.
func (o *Orchestrator) run(t *ManagedTask, runCtx context.Context, s domain.Session) {
	stream := o.source.Stream(runCtx, t.Prompt, s.ServerURL, t.Settings)
	for ev := range stream.Events() {
		ev.TaskID = t.ID
		t.emit(ev)
		o.mirror(t, ev)
	}

	var final domain.Event
	var status domain.TaskStatus
	switch err := stream.Err(); {
	case errors.Is(err, context.Canceled):
		status = domain.TaskCancelled
		final = domain.Event{Type: domain.EventCancelled, Message: "Task cancelled."}
	case err != nil:
		status = domain.TaskFailed
		final = domain.Event{Type: domain.EventError, Message: err.Error()}
	default:
		status = domain.TaskCompleted
		final = domain.Event{Type: domain.EventSuccess, Message: "Task finished."}
	}
	final.TaskID = t.ID
	final.Status = status
	t.emit(final)
	o.mirror(t, final)

	o.finish(t, status, &s)
}

// mirror copies an event into the run registry log and, when the task is
// linked to a ledger row, the run log.
func (o *Orchestrator) mirror(t *ManagedTask, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := o.registry.AppendLog(context.Background(), t.ID, string(payload)); err != nil {
		log.Printf("orchestrator: task %s: appending registry log: %v", t.ID, err)
	}
	if t.RunID != 0 {
		if err := o.store.AppendRunLog(t.RunID, ev.Level(), ev.Message); err != nil {
			log.Printf("orchestrator: task %s: appending run log: %v", t.ID, err)
		}
	}
}

// finish runs the task's finalization exactly once: registry bucket, ledger
// result, best-effort log file, session release, removal from the live set.
func (o *Orchestrator) finish(t *ManagedTask, status domain.TaskStatus, held *domain.Session) {
	t.finalized.Do(func() {
		t.mu.Lock()
		t.status = status
		t.mu.Unlock()

		bg := context.Background()
		if err := o.registry.Finalize(bg, t.ID, string(status)); err != nil {
			log.Printf("orchestrator: task %s: finalizing registry entry: %v", t.ID, err)
		}
		if t.RunID != 0 {
			if err := o.store.UpdateRunStatus(t.RunID, runStatusFor(status)); err != nil {
				log.Printf("orchestrator: task %s: closing run %d: %v", t.ID, t.RunID, err)
			}
			if err := o.store.UpdateRunResult(t.RunID, resultFor(status)); err != nil {
				log.Printf("orchestrator: task %s: recording result: %v", t.ID, err)
			}
		}
		if _, err := o.registry.PersistLogFile(bg, t.ID); err != nil {
			log.Printf("orchestrator: task %s: persisting log file: %v", t.ID, err)
		}
		if held != nil {
			o.pool.Release(*held)
		}

		o.mu.Lock()
		delete(o.tasks, t.ID)
		o.mu.Unlock()

		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()
		close(t.done)
	})
}

// Cancel stops a live task. A task still waiting for a session is finalized
// immediately without ever holding one; a running task has its stream
// cancelled, and Cancel blocks until finalization completes. Unknown or
// already-finished ids report ErrTaskNotFound.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	t.mu.Lock()
	t.cancelRequested = true
	if t.session == nil {
		cancelWait := t.cancelWait
		t.mu.Unlock()
		if cancelWait != nil {
			cancelWait()
		}
		ev := domain.Event{
			Type:    domain.EventCancelled,
			TaskID:  id,
			Status:  domain.TaskCancelled,
			Message: "Task cancelled before a session was assigned.",
		}
		t.emit(ev)
		o.mirror(t, ev)
		o.finish(t, domain.TaskCancelled, nil)
		return nil
	}

	cancelRun := t.cancelRun
	t.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	<-t.done
	return nil
}

// Get returns a live task by id.
func (o *Orchestrator) Get(id string) (*ManagedTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	return t, ok
}

// Active returns the number of live tasks.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func runStatusFor(status domain.TaskStatus) domain.RunStatus {
	switch status {
	case domain.TaskFailed:
		return domain.RunFailed
	case domain.TaskCancelled:
		return domain.RunCancelled
	default:
		return domain.RunCompleted
	}
}

func resultFor(status domain.TaskStatus) domain.RunResult {
	switch status {
	case domain.TaskFailed:
		return domain.ResultError
	case domain.TaskCancelled:
		return domain.ResultCancelled
	default:
		return domain.ResultSuccess
	}
}

// draftReference builds a synthetic test case reference for ad-hoc tasks.
func draftReference() string {
	return "DRAFT-" + strings.ToUpper(uuid.NewString()[:6])
}

// draftSteps turns the task text's non-empty lines into a step list.
func draftSteps(taskText string) []string {
	var steps []string
	for _, line := range strings.Split(taskText, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}

// draftTitle derives a test case title from the first non-empty line of the
// task text, truncated to a displayable length.
func draftTitle(taskText string) string {
	for _, line := range strings.Split(taskText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxDraftTitleRunes {
			return string(runes[:maxDraftTitleRunes])
		}
		return line
	}
	return "Ad-hoc task"
}
