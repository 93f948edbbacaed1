// internal/runworker/pool.go
package runworker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/fortiqa/mcp-orchestrator/internal/agent"
	"github.com/fortiqa/mcp-orchestrator/internal/domain"
	"github.com/fortiqa/mcp-orchestrator/internal/prompt"
	"github.com/fortiqa/mcp-orchestrator/internal/runstore"
	"github.com/fortiqa/mcp-orchestrator/internal/sessionpool"
)

// DefaultWorkers is the worker count used when the configuration leaves it
// unset.
const DefaultWorkers = 2

const defaultQueueSize = 1024

// ErrQueueFull is returned by Enqueue when the run queue has no room left.
var ErrQueueFull = errors.New("run queue full")

// Pool drives persisted test runs to completion. A fixed set of workers
// dequeues run ids and executes each against a session from the shared pool,
// writing all progress to the run ledger.
type Pool struct {
	store    *runstore.Store
	sessions *sessionpool.Pool
	source   agent.Source
	queue    chan int64
	workers  int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a worker pool. workers <= 0 selects DefaultWorkers.
func New(store *runstore.Store, sessions *sessionpool.Pool, source agent.Source, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		store:    store,
		sessions: sessions,
		source:   source,
		queue:    make(chan int64, defaultQueueSize),
		workers:  workers,
	}
}

// Start launches the workers. They run until Shutdown is called or the parent
// ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		index := i
		p.group.Go(func() error {
			p.loop(ctx, index)
			return nil
		})
	}
	log.Printf("runworker: started %d workers", p.workers)
}

// Shutdown stops the workers and waits for in-flight processing to unwind.
// Queued run ids are abandoned in memory; they survive as queued ledger rows
// and are re-enqueued by Recover on the next start.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		p.group.Wait()
	}
	log.Print("runworker: stopped")
}

// Enqueue pushes a run id onto the internal queue without blocking.
func (p *Pool) Enqueue(runID int64) error {
	select {
	case p.queue <- runID:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports the number of run ids waiting to be picked up.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Workers reports the configured worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Recover re-enqueues every run left unfinished by a previous process. Runs
// interrupted mid-flight (running or pending) are conservatively reset to
// queued, discarding partial progress, since there is no way to know how far
// they got. Call before Start.
func (p *Pool) Recover() error {
	runs, err := p.store.ListRunsByStatus(domain.RunQueued, domain.RunRunning, domain.RunPending)
	if err != nil {
		return fmt.Errorf("scanning for unfinished runs: %w", err)
	}

	for _, run := range runs {
		if run.Status == domain.RunRunning || run.Status == domain.RunPending {
			if err := p.store.ResetInterruptedRun(run.ID); err != nil {
				return fmt.Errorf("resetting interrupted run %d: %w", run.ID, err)
			}
		}
		if err := p.Enqueue(run.ID); err != nil {
			return fmt.Errorf("re-enqueueing run %d: %w", run.ID, err)
		}
	}

	if len(runs) > 0 {
		log.Printf("runworker: recovered %d unfinished runs", len(runs))
	}
	return nil
}

// loop is one worker's dequeue cycle. Failures of individual runs never stop
// the worker.
func (p *Pool) loop(ctx context.Context, index int) {
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-p.queue:
			p.processSafely(ctx, index, runID)
		}
	}
}

// processSafely shields the worker from any failure of a single run,
// including panics, and marks the run failed unless the error came from
// shutdown.
func (p *Pool) processSafely(ctx context.Context, index int, runID int64) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("runworker: worker %d: run %d panicked: %v", index, runID, r)
			p.markFailed(runID, fmt.Sprintf("Worker %d hit an internal error: %v", index, r))
		}
	}()

	if err := p.process(ctx, runID); err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the run; it stays pending in the
			// ledger and recovery re-queues it on the next boot.
			return
		}
		log.Printf("runworker: worker %d: run %d: %v", index, runID, err)
		p.markFailed(runID, fmt.Sprintf("Worker %d failed: %v", index, err))
	}
}

func (p *Pool) markFailed(runID int64, message string) {
	if err := p.store.AppendRunLog(runID, "error", message); err != nil {
		log.Printf("runworker: run %d: appending failure log: %v", runID, err)
	}
	if err := p.store.UpdateRunStatus(runID, domain.RunFailed); err != nil {
		log.Printf("runworker: run %d: marking failed: %v", runID, err)
	}
	if err := p.store.UpdateRunResult(runID, domain.ResultError); err != nil {
		log.Printf("runworker: run %d: recording error result: %v", runID, err)
	}
}

// process executes one run end to end. Agent failures are absorbed into the
// run's own state; only infrastructure errors are returned.
func (p *Pool) process(ctx context.Context, runID int64) error {
	run, err := p.store.GetRun(runID)
	if errors.Is(err, runstore.ErrNotFound) {
		log.Printf("runworker: run %d vanished before processing", runID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	// Guards against duplicate enqueue.
	if run.Status != domain.RunQueued && run.Status != domain.RunPending {
		return nil
	}

	tc, err := p.store.GetTestCase(run.TestCaseID)
	if errors.Is(err, runstore.ErrNotFound) {
		if err := p.store.AppendRunLog(runID, "error", fmt.Sprintf("Test case %d no longer exists.", run.TestCaseID)); err != nil {
			return err
		}
		if err := p.store.UpdateRunStatus(runID, domain.RunFailed); err != nil {
			return err
		}
		return p.store.UpdateRunResult(runID, domain.ResultMissingTestCase)
	}
	if err != nil {
		return fmt.Errorf("loading test case: %w", err)
	}

	session, ok := p.sessions.AcquireNoWait()
	if !ok {
		if err := p.store.UpdateRunStatus(runID, domain.RunPending); err != nil {
			return err
		}
		if err := p.store.AppendRunLog(runID, "info", "All sessions are busy. Waiting for a free session."); err != nil {
			return err
		}
		session, err = p.sessions.Acquire(ctx)
		if err != nil {
			return err
		}
	}
	defer p.sessions.Release(session)

	if err := p.store.UpdateRunStatus(runID, domain.RunRunning); err != nil {
		return err
	}
	if err := p.store.UpdateRunEndpoints(runID, session.ServerURL, session.ViewerURL); err != nil {
		return err
	}
	p.appendLog(runID, "info", "Assigned MCP session "+session.Identifier+".")
	p.appendLog(runID, "info", "Started run for test case "+tc.Reference+".")

	stream := p.source.Stream(ctx, prompt.ForTestCase(tc, run.Prompt), session.ServerURL, nil)
	for ev := range stream.Events() {
		p.appendLog(runID, ev.Level(), ev.Message)
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.appendLog(runID, "error", "Run failed: "+err.Error())
		if err := p.store.UpdateRunStatus(runID, domain.RunFailed); err != nil {
			return err
		}
		return p.store.UpdateRunResult(runID, domain.ResultError)
	}

	if err := p.store.UpdateRunStatus(runID, domain.RunCompleted); err != nil {
		return err
	}
	if err := p.store.UpdateRunResult(runID, domain.ResultSuccess); err != nil {
		return err
	}

	if updated, err := p.store.GetRun(runID); err == nil &&
		updated.StartedAt != nil && updated.CompletedAt != nil {
		duration := updated.CompletedAt.Sub(*updated.StartedAt).Seconds()
		if err := p.store.SetRunMetric(runID, "duration", duration); err != nil {
			log.Printf("runworker: run %d: storing duration: %v", runID, err)
		}
	}
	p.appendLog(runID, "success", "Run completed successfully.")
	return nil
}

// appendLog writes a run log entry, demoting failures to a process log line
// so a full log never aborts an otherwise healthy run.
func (p *Pool) appendLog(runID int64, level, message string) {
	if err := p.store.AppendRunLog(runID, level, message); err != nil {
		log.Printf("runworker: run %d: appending log: %v", runID, err)
	}
}
