package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortiqa/mcp-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist. It is distinct from
// infrastructure errors so callers can map it to a 404 rather than a 503.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for test cases and runs.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, test_case_id, model_config_id, status, result, prompt,
	server_url, viewer_url, task_id, log, metrics,
	created_at, updated_at, started_at, completed_at`

// CreateTestCase inserts a test case and fills in its id and timestamps.
func (s *Store) CreateTestCase(tc *domain.TestCase) error {
	tags, err := json.Marshal(tc.Tags)
	if err != nil {
		return err
	}
	steps, err := json.Marshal(tc.Steps)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO test_cases (reference, title, description, category, priority, status, tags, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tc.Reference, tc.Title, tc.Description, tc.Category, tc.Priority, string(tc.Status), string(tags), string(steps), now, now)
	if err != nil {
		return err
	}

	tc.ID, err = res.LastInsertId()
	tc.CreatedAt = now
	tc.UpdatedAt = now
	return err
}

// GetTestCase retrieves a test case by id.
func (s *Store) GetTestCase(id int64) (*domain.TestCase, error) {
	row := s.db.QueryRow(`
		SELECT id, reference, title, description, category, priority, status, tags, steps, created_at, updated_at
		FROM test_cases WHERE id = ?
	`, id)

	var tc domain.TestCase
	var description, category sql.NullString
	var status, tagsJSON, stepsJSON string

	err := row.Scan(&tc.ID, &tc.Reference, &tc.Title, &description, &category, &tc.Priority,
		&status, &tagsJSON, &stepsJSON, &tc.CreatedAt, &tc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tc.Description = description.String
	tc.Category = category.String
	tc.Status = domain.CaseStatus(status)
	if err := json.Unmarshal([]byte(tagsJSON), &tc.Tags); err != nil {
		tc.Tags = nil
	}
	if err := json.Unmarshal([]byte(stepsJSON), &tc.Steps); err != nil {
		tc.Steps = nil
	}
	return &tc, nil
}

// CreateRun inserts a run row and fills in its id and timestamps.
func (s *Store) CreateRun(run *domain.Run) error {
	logJSON, err := json.Marshal(emptyIfNilLog(run.Log))
	if err != nil {
		return err
	}
	metricsJSON, err := json.Marshal(emptyIfNilMetrics(run.Metrics))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO test_runs (test_case_id, model_config_id, status, result, prompt, server_url, viewer_url, task_id, log, metrics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.TestCaseID,
		run.ModelConfigID,
		string(run.Status),
		nullString(string(run.Result)),
		run.Prompt,
		nullString(run.ServerURL),
		nullString(run.ViewerURL),
		nullString(run.TaskID),
		string(logJSON),
		string(metricsJSON),
		now,
		now,
	)
	if err != nil {
		return err
	}

	run.ID, err = res.LastInsertId()
	run.CreatedAt = now
	run.UpdatedAt = now
	return err
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(id int64) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM test_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns runs ordered newest first, optionally limited.
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM test_runs ORDER BY created_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsByStatus returns runs whose status is in the given set, ordered by
// ascending id. Used by startup recovery.
func (s *Store) ListRunsByStatus(statuses ...domain.RunStatus) ([]*domain.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM test_runs WHERE status IN (`+placeholders+`) ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions a run's status, stamping started_at the first
// time the run enters running and completed_at the first time it enters a
// terminal state.
func (s *Store) UpdateRunStatus(id int64, status domain.RunStatus) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if status == domain.RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.IsTerminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}

	_, err = s.db.Exec(`
		UPDATE test_runs SET status = ?, started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, string(status), run.StartedAt, run.CompletedAt, now, id)
	return err
}

// UpdateRunResult records the run outcome and stamps completed_at if unset.
func (s *Store) UpdateRunResult(id int64, result domain.RunResult) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE test_runs SET result = ?, completed_at = COALESCE(completed_at, ?), updated_at = ? WHERE id = ?
	`, string(result), now, now, id)
	return err
}

// UpdateRunEndpoints records the assigned session endpoints.
func (s *Store) UpdateRunEndpoints(id int64, serverURL, viewerURL string) error {
	_, err := s.db.Exec(`
		UPDATE test_runs SET server_url = ?, viewer_url = ?, updated_at = ? WHERE id = ?
	`, serverURL, viewerURL, time.Now().UTC(), id)
	return err
}

// UpdateRunTaskID links or clears the ad-hoc task correlation id.
func (s *Store) UpdateRunTaskID(id int64, taskID string) error {
	_, err := s.db.Exec(`
		UPDATE test_runs SET task_id = ?, updated_at = ? WHERE id = ?
	`, nullString(taskID), time.Now().UTC(), id)
	return err
}

// AppendRunLog appends a log entry to the run, keeping only the newest
// MaxRunLogEntries entries.
func (s *Store) AppendRunLog(id int64, level, message string) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}

	run.AppendLog(domain.RunLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
	logJSON, err := json.Marshal(run.Log)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`UPDATE test_runs SET log = ?, updated_at = ? WHERE id = ?`,
		string(logJSON), time.Now().UTC(), id)
	return err
}

// SetRunMetric stores one value in the run's metrics map.
func (s *Store) SetRunMetric(id int64, key string, value float64) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}

	if run.Metrics == nil {
		run.Metrics = make(map[string]float64)
	}
	run.Metrics[key] = value
	metricsJSON, err := json.Marshal(run.Metrics)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`UPDATE test_runs SET metrics = ?, updated_at = ? WHERE id = ?`,
		string(metricsJSON), time.Now().UTC(), id)
	return err
}

// ResetInterruptedRun puts a run that was running or pending at crash time
// back to queued, clearing the start stamp and the task correlation id.
func (s *Store) ResetInterruptedRun(id int64) error {
	_, err := s.db.Exec(`
		UPDATE test_runs SET status = ?, started_at = NULL, task_id = NULL, updated_at = ? WHERE id = ?
	`, string(domain.RunQueued), time.Now().UTC(), id)
	return err
}

// EnsureDefaultPrompt makes sure a system prompt template row exists and
// matches the given name and template.
func (s *Store) EnsureDefaultPrompt(name, template string) error {
	row := s.db.QueryRow(`SELECT id, name, template FROM prompt_templates WHERE is_system = TRUE LIMIT 1`)

	var id int64
	var existingName, existingTemplate string
	err := row.Scan(&id, &existingName, &existingTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`
			INSERT INTO prompt_templates (name, description, template, is_system)
			VALUES (?, 'Default prompt configured from environment.', ?, TRUE)
		`, name, template)
		return err
	}
	if err != nil {
		return err
	}

	if existingName != name || existingTemplate != template {
		_, err = s.db.Exec(`UPDATE prompt_templates SET name = ?, template = ?, updated_at = ? WHERE id = ?`,
			name, template, time.Now().UTC(), id)
	}
	return err
}

// GetPromptTemplate retrieves a prompt template body by id.
func (s *Store) GetPromptTemplate(id int64) (string, error) {
	var template string
	err := s.db.QueryRow(`SELECT template FROM prompt_templates WHERE id = ?`, id).Scan(&template)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return template, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var modelConfigID sql.NullInt64
	var result, serverURL, viewerURL, taskID sql.NullString
	var status, logJSON, metricsJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.TestCaseID, &modelConfigID, &status, &result, &run.Prompt,
		&serverURL, &viewerURL, &taskID, &logJSON, &metricsJSON,
		&run.CreatedAt, &run.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if modelConfigID.Valid {
		run.ModelConfigID = &modelConfigID.Int64
	}
	run.Status = domain.RunStatus(status)
	run.Result = domain.RunResult(result.String)
	run.ServerURL = serverURL.String
	run.ViewerURL = viewerURL.String
	run.TaskID = taskID.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(logJSON), &run.Log); err != nil {
		run.Log = nil
	}
	if err := json.Unmarshal([]byte(metricsJSON), &run.Metrics); err != nil {
		run.Metrics = nil
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func emptyIfNilLog(log []domain.RunLogEntry) []domain.RunLogEntry {
	if log == nil {
		return []domain.RunLogEntry{}
	}
	return log
}

func emptyIfNilMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
