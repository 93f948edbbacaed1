package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fortiqa/mcp-orchestrator/internal/orchestrator"
	"github.com/fortiqa/mcp-orchestrator/internal/runstore"
	"github.com/fortiqa/mcp-orchestrator/internal/runworker"
	"github.com/fortiqa/mcp-orchestrator/internal/sessionpool"
	"github.com/fortiqa/mcp-orchestrator/internal/taskregistry"
)

// Registry is the slice of the fast store the API reads from.
// *taskregistry.Registry satisfies it.
type Registry interface {
	GetMetadata(ctx context.Context, taskID string) (map[string]string, error)
	LogEntries(ctx context.Context, taskID string) ([]taskregistry.LogEntry, error)
	LogLength(ctx context.Context, taskID string) (int64, error)
	FetchBucket(ctx context.Context, bucket string) ([]map[string]string, error)
	GetOrCreateLogFile(ctx context.Context, taskID string) (string, error)
}

// Server is the HTTP API server
type Server struct {
	store     *runstore.Store
	registry  Registry
	tasks     *orchestrator.Orchestrator
	runs      *runworker.Pool
	sessions  *sessionpool.Pool
	addr      string
	mux       *http.ServeMux
	hub       *FeedHub
	startedAt time.Time
}

// NewServer creates a new API server
func NewServer(store *runstore.Store, registry Registry, tasks *orchestrator.Orchestrator,
	runs *runworker.Pool, sessions *sessionpool.Pool, addr string) *Server {
	s := &Server{
		store:     store,
		registry:  registry,
		tasks:     tasks,
		runs:      runs,
		sessions:  sessions,
		addr:      addr,
		mux:       http.NewServeMux(),
		hub:       NewFeedHub(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tasks", s.tasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/queue", s.queueRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/feed", s.feedSocketHandler())
	s.mux.HandleFunc("/api/events", s.feedStreamHandler())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the route mux; used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStoreError maps the error taxonomy onto HTTP statuses: unknown ids are
// 404, fast-store outages are 503, everything else is 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runstore.ErrNotFound),
		errors.Is(err, taskregistry.ErrNotFound),
		errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, taskregistry.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
