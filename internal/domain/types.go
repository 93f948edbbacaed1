package domain

// RunStatus represents the lifecycle state of a test run
type RunStatus string

const (
	RunDraft     RunStatus = "draft"
	RunQueued    RunStatus = "queued"
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if no further transitions are expected
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunResult is the outcome recorded alongside a terminal status
type RunResult string

const (
	ResultSuccess         RunResult = "success"
	ResultError           RunResult = "error"
	ResultCancelled       RunResult = "cancelled"
	ResultMissingTestCase RunResult = "missing-test-case"
)

// TaskStatus represents the lifecycle state of an ad-hoc task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// CaseStatus represents the authoring state of a test case
type CaseStatus string

const (
	CaseDraft   CaseStatus = "Draft"
	CaseReady   CaseStatus = "Ready"
	CaseBlocked CaseStatus = "Blocked"
)
