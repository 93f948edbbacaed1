package domain

import "time"

// MaxRunLogEntries bounds the append-only run log; older entries are dropped.
const MaxRunLogEntries = 200

// TestCase is a persisted test scenario. The orchestrator only reads these;
// authoring happens through the external CRUD surface.
type TestCase struct {
	ID          int64
	Reference   string
	Title       string
	Description string
	Category    string
	Priority    string
	Status      CaseStatus
	Tags        []string
	Steps       []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Run is the durable record of one test-case execution attempt.
type Run struct {
	ID            int64
	TestCaseID    int64
	ModelConfigID *int64
	Status        RunStatus
	Result        RunResult
	Prompt        string
	ServerURL     string // assigned session control endpoint, empty until assigned
	ViewerURL     string
	TaskID        string // correlation id of the ad-hoc task that owns this run, if any
	Log           []RunLogEntry
	Metrics       map[string]float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// RunLogEntry is one line of a run's bounded log.
type RunLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"type"`
	Message   string    `json:"message"`
}

// AppendLog appends an entry and trims the log to the newest MaxRunLogEntries.
func (r *Run) AppendLog(entry RunLogEntry) {
	r.Log = append(r.Log, entry)
	if len(r.Log) > MaxRunLogEntries {
		r.Log = r.Log[len(r.Log)-MaxRunLogEntries:]
	}
}
