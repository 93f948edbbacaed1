package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fortiqa/mcp-orchestrator/internal/agent"
	"github.com/fortiqa/mcp-orchestrator/internal/domain"
	"github.com/fortiqa/mcp-orchestrator/internal/orchestrator"
	"github.com/fortiqa/mcp-orchestrator/internal/prompt"
	"github.com/fortiqa/mcp-orchestrator/internal/runstore"
	"github.com/fortiqa/mcp-orchestrator/internal/taskregistry"
)

// SubmitTaskRequest is the body of POST /api/tasks
type SubmitTaskRequest struct {
	Task           string               `json:"task"`
	PromptTemplate string               `json:"prompt_template,omitempty"`
	TestCaseID     int64                `json:"test_case_id,omitempty"`
	Model          *agent.ModelSettings `json:"model,omitempty"`
}

// QueueRunsRequest is the body of POST /api/runs/queue
type QueueRunsRequest struct {
	TestCaseIDs    []int64 `json:"test_case_ids"`
	PromptOverride string  `json:"prompt_override,omitempty"`
}

// QueueRunsResponse reports which test cases were queued
type QueueRunsResponse struct {
	Queued  []int64 `json:"queued_run_ids"`
	Missing []int64 `json:"missing_test_case_ids,omitempty"`
}

// RunResponse is the API response for a test run
type RunResponse struct {
	ID          int64                `json:"id"`
	TestCaseID  int64                `json:"test_case_id"`
	Status      string               `json:"status"`
	Result      string               `json:"result,omitempty"`
	ServerURL   string               `json:"server_url,omitempty"`
	ViewerURL   string               `json:"xpra_url,omitempty"`
	TaskID      string               `json:"task_id,omitempty"`
	Metrics     map[string]float64   `json:"metrics,omitempty"`
	LogLength   int                  `json:"log_length"`
	Log         []domain.RunLogEntry `json:"log,omitempty"`
	CreatedAt   string               `json:"created_at"`
	StartedAt   *string              `json:"started_at,omitempty"`
	CompletedAt *string              `json:"completed_at,omitempty"`
}

// StatusResponse is the API response for overall orchestrator status
type StatusResponse struct {
	Sessions    SessionStats `json:"sessions"`
	QueueDepth  int          `json:"queue_depth"`
	RunWorkers  int          `json:"run_workers"`
	ActiveTasks int          `json:"active_tasks"`
	StartedAt   string       `json:"started_at"`
	Uptime      string       `json:"uptime"`
}

// SessionStats summarizes the session pool
type SessionStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"in_use"`
	Waiting   int `json:"waiting"`
}

func runToResponse(run *domain.Run, includeLog bool) RunResponse {
	resp := RunResponse{
		ID:         run.ID,
		TestCaseID: run.TestCaseID,
		Status:     string(run.Status),
		Result:     string(run.Result),
		ServerURL:  run.ServerURL,
		ViewerURL:  run.ViewerURL,
		TaskID:     run.TaskID,
		Metrics:    run.Metrics,
		LogLength:  len(run.Log),
		CreatedAt:  run.CreatedAt.Format(time.RFC3339),
	}
	if run.StartedAt != nil {
		t := run.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := run.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	if includeLog {
		resp.Log = run.Log
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, StatusResponse{
			Sessions: SessionStats{
				Total:     s.sessions.Size(),
				Available: s.sessions.Available(),
				InUse:     s.sessions.InUse(),
				Waiting:   s.sessions.Waiting(),
			},
			QueueDepth:  s.runs.QueueDepth(),
			RunWorkers:  s.runs.Workers(),
			ActiveTasks: s.tasks.Active(),
			StartedAt:   s.startedAt.Format(time.RFC3339),
			Uptime:      humanize.RelTime(s.startedAt, time.Now(), "", ""),
		})
	}
}

// tasksHandler serves /api/tasks: POST submits a task and streams its events
// over SSE, GET lists the registry's five status buckets.
func (s *Server) tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.submitTask(w, r)
		case http.MethodGet:
			s.listTasks(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	task, err := s.tasks.Submit(r.Context(), orchestrator.SubmitRequest{
		Task:       req.Task,
		Template:   req.PromptTemplate,
		Settings:   req.Model,
		TestCaseID: req.TestCaseID,
	})
	if err != nil {
		if errors.Is(err, taskregistry.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	for {
		select {
		case <-r.Context().Done():
			// Client is gone; the task keeps running on its own.
			return
		case ev, open := <-task.Events():
			if !open {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			s.hub.Broadcast(FeedEvent{Kind: "task_event", Data: ev})
		}
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	buckets := make(map[string][]map[string]string, len(taskregistry.Buckets))
	for _, bucket := range taskregistry.Buckets {
		tasks, err := s.registry.FetchBucket(r.Context(), bucket)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		buckets[bucket] = tasks
	}
	writeJSON(w, buckets)
}

// taskHandler serves /api/tasks/{id} and its log/logfile/cancel subpaths.
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
		if parts[0] == "" {
			writeError(w, http.StatusBadRequest, "task id required")
			return
		}
		taskID := parts[0]
		action := ""
		if len(parts) > 1 {
			action = parts[1]
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			metadata, err := s.registry.GetMetadata(r.Context(), taskID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, metadata)

		case action == "" && r.Method == http.MethodDelete,
			action == "cancel" && r.Method == http.MethodPost:
			if err := s.tasks.Cancel(taskID); err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "cancelled"})

		case action == "log" && r.Method == http.MethodGet:
			entries, err := s.registry.LogEntries(r.Context(), taskID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			length, err := s.registry.LogLength(r.Context(), taskID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, map[string]interface{}{
				"task_id": taskID,
				"length":  length,
				"entries": entries,
			})

		case action == "logfile" && r.Method == http.MethodGet:
			path, err := s.registry.GetOrCreateLogFile(r.Context(), taskID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			w.Header().Set("Content-Disposition", "attachment; filename="+taskID+".txt")
			http.ServeFile(w, r, path)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := s.store.ListRuns(limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		responses := make([]RunResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToResponse(run, false)
		}
		writeJSON(w, responses)
	}
}

// queueRunsHandler inserts queued run rows for the given test cases and
// pushes their ids onto the worker queue.
func (s *Server) queueRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req QueueRunsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if len(req.TestCaseIDs) == 0 {
			writeError(w, http.StatusBadRequest, "test_case_ids is empty")
			return
		}

		var resp QueueRunsResponse
		for _, tcID := range req.TestCaseIDs {
			tc, err := s.store.GetTestCase(tcID)
			if errors.Is(err, runstore.ErrNotFound) {
				resp.Missing = append(resp.Missing, tcID)
				continue
			}
			if err != nil {
				writeStoreError(w, err)
				return
			}

			run := &domain.Run{
				TestCaseID: tc.ID,
				Status:     domain.RunQueued,
				Prompt:     prompt.ForTestCase(tc, req.PromptOverride),
			}
			if err := s.store.CreateRun(run); err != nil {
				writeStoreError(w, err)
				return
			}
			if err := s.runs.Enqueue(run.ID); err != nil {
				writeStoreError(w, err)
				return
			}
			resp.Queued = append(resp.Queued, run.ID)
			s.hub.Broadcast(FeedEvent{Kind: "run_queued", Data: runToResponse(run, false)})
		}
		writeJSON(w, resp)
	}
}

// runHandler serves /api/runs/{id} and /api/runs/{id}/log.
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid run id")
			return
		}

		run, err := s.store.GetRun(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		if len(parts) > 1 && parts[1] == "log" {
			writeJSON(w, map[string]interface{}{
				"run_id":  run.ID,
				"length":  len(run.Log),
				"entries": run.Log,
			})
			return
		}
		writeJSON(w, runToResponse(run, true))
	}
}
