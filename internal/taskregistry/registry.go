// internal/taskregistry/registry.go
package taskregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable marks fast-store infrastructure failures. Callers map it to
// a "service unavailable" response instead of retrying here.
var ErrUnavailable = errors.New("task registry unavailable")

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Buckets are the exclusive status sets a task can be a member of. A task is
// in exactly one bucket at a time; every move removes it from all others
// first.
var Buckets = []string{"active", "pending", "completed", "failed", "cancelled"}

// Registry indexes ad-hoc task metadata and logs in redis, independent of the
// relational run ledger.
type Registry struct {
	client *redis.Client
	logDir string
}

// New creates a Registry against the given redis address.
func New(addr, logDir string) *Registry {
	return &Registry{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logDir: logDir,
	}
}

// NewWithClient wires an existing client; used by tests.
func NewWithClient(client *redis.Client, logDir string) *Registry {
	return &Registry{client: client, logDir: logDir}
}

// Close releases the underlying client.
func (r *Registry) Close() error {
	return r.client.Close()
}

func taskKey(taskID string) string   { return "task:" + taskID }
func logKey(taskID string) string    { return "task:" + taskID + ":log" }
func bucketKey(bucket string) string { return "tasks:" + bucket }

// bucketFor maps a task status to its bucket name.
func bucketFor(status string) string {
	switch status {
	case "running":
		return "active"
	default:
		return status
	}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Register records a newly submitted task.
func (r *Registry) Register(ctx context.Context, taskID, taskText, status, prompt, serverURL, viewerURL string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"task":       taskText,
		"prompt":     prompt,
		"status":     status,
		"created_at": now,
		"updated_at": now,
	}
	if prompt == "" {
		fields["prompt"] = taskText
	}
	if serverURL != "" {
		fields["server_url"] = serverURL
	}
	if viewerURL != "" {
		fields["xpra_url"] = viewerURL
	}

	if err := r.client.HSet(ctx, taskKey(taskID), fields).Err(); err != nil {
		return wrap(err)
	}
	if err := r.client.SAdd(ctx, bucketKey("all"), taskID).Err(); err != nil {
		return wrap(err)
	}
	return r.moveToBucket(ctx, taskID, status)
}

// UpdateMetadata writes task hash fields. When a status field is present the
// task is atomically moved to the matching bucket.
func (r *Registry) UpdateMetadata(ctx context.Context, taskID string, fields map[string]string) error {
	if status, ok := fields["status"]; ok {
		if err := r.moveToBucket(ctx, taskID, status); err != nil {
			return err
		}
	}

	values := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return wrap(r.client.HSet(ctx, taskKey(taskID), values).Err())
}

// moveToBucket removes the task from every bucket and adds it to the one
// matching status. Membership across the five buckets stays exclusive.
func (r *Registry) moveToBucket(ctx context.Context, taskID, status string) error {
	pipe := r.client.TxPipeline()
	for _, bucket := range Buckets {
		pipe.SRem(ctx, bucketKey(bucket), taskID)
	}
	pipe.SAdd(ctx, bucketKey(bucketFor(status)), taskID)
	_, err := pipe.Exec(ctx)
	return wrap(err)
}

// logEntry is the wire shape of one registry log record.
type logEntry struct {
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// AppendLog appends a raw payload to the task's log list.
func (r *Registry) AppendLog(ctx context.Context, taskID, payload string) error {
	entry, err := json.Marshal(logEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, logKey(taskID), string(entry)).Err(); err != nil {
		return wrap(err)
	}
	return wrap(r.client.HSet(ctx, taskKey(taskID), "updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err())
}

// Finalize moves the task into its terminal bucket and stamps completion.
func (r *Registry) Finalize(ctx context.Context, taskID, status string) error {
	if err := r.moveToBucket(ctx, taskID, status); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return wrap(r.client.HSet(ctx, taskKey(taskID), map[string]interface{}{
		"status":       status,
		"completed_at": now,
		"updated_at":   now,
	}).Err())
}

// GetMetadata returns the task hash, or ErrNotFound for unknown ids.
func (r *Registry) GetMetadata(ctx context.Context, taskID string) (map[string]string, error) {
	data, err := r.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, wrap(err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	data["task_id"] = taskID
	return data, nil
}

// LogEntry is one parsed registry log record. Payload holds the decoded JSON
// event when the raw payload was JSON, else the raw string.
type LogEntry struct {
	Timestamp string      `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// LogEntries returns the task's full parsed log.
func (r *Registry) LogEntries(ctx context.Context, taskID string) ([]LogEntry, error) {
	raw, err := r.client.LRange(ctx, logKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, wrap(err)
	}

	parsed := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry logEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			parsed = append(parsed, LogEntry{Payload: item})
			continue
		}

		var decoded interface{}
		if err := json.Unmarshal([]byte(entry.Payload), &decoded); err != nil {
			decoded = entry.Payload
		}
		parsed = append(parsed, LogEntry{Timestamp: entry.Timestamp, Payload: decoded})
	}
	return parsed, nil
}

// LogLength returns the number of log records for a task.
func (r *Registry) LogLength(ctx context.Context, taskID string) (int64, error) {
	n, err := r.client.LLen(ctx, logKey(taskID)).Result()
	return n, wrap(err)
}

// PersistLogFile writes the task's log to a text file under the registry's
// log directory and records the path in the task hash.
func (r *Registry) PersistLogFile(ctx context.Context, taskID string) (string, error) {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return "", err
	}

	raw, err := r.client.LRange(ctx, logKey(taskID), 0, -1).Result()
	if err != nil {
		return "", wrap(err)
	}
	if len(raw) == 0 {
		return "", ErrNotFound
	}

	path := filepath.Join(r.logDir, taskID+".txt")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	for _, item := range raw {
		var entry logEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			fmt.Fprintf(file, "%s\n", item)
			continue
		}
		fmt.Fprintf(file, "[%s] %s\n", entry.Timestamp, entry.Payload)
	}

	if err := r.client.HSet(ctx, taskKey(taskID), "log_file", path).Err(); err != nil {
		return "", wrap(err)
	}
	return path, nil
}

// GetOrCreateLogFile returns the persisted log file path, writing the file
// first if it does not exist yet.
func (r *Registry) GetOrCreateLogFile(ctx context.Context, taskID string) (string, error) {
	metadata, err := r.GetMetadata(ctx, taskID)
	if err != nil {
		return "", err
	}
	if existing := metadata["log_file"]; existing != "" {
		if _, err := os.Stat(existing); err == nil {
			return existing, nil
		}
	}
	return r.PersistLogFile(ctx, taskID)
}

// FetchBucket returns the metadata of every task in a bucket, newest first.
func (r *Registry) FetchBucket(ctx context.Context, bucket string) ([]map[string]string, error) {
	ids, err := r.client.SMembers(ctx, bucketKey(bucket)).Result()
	if err != nil {
		return nil, wrap(err)
	}

	results := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		metadata, err := r.GetMetadata(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, metadata)
	}

	// Newest first by created_at; RFC 3339 sorts lexically.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j]["created_at"] > results[j-1]["created_at"]; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	return results, nil
}

// PruneLogFiles deletes persisted log files older than maxAge. Run on a
// schedule to keep the log directory bounded.
func (r *Registry) PruneLogFiles(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".txt" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(r.logDir, entry.Name())); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}
