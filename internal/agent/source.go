// internal/agent/source.go
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fortiqa/mcp-orchestrator/internal/domain"
)

// ModelSettings carries per-task model credentials overriding the session's
// configured default.
type ModelSettings struct {
	ModelName string `json:"model_name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
}

// Source produces the event stream of one agent execution. Implementations
// must honor ctx cancellation at every blocking point; the stream is not
// resumable mid-flight, only restartable per invocation.
type Source interface {
	Stream(ctx context.Context, prompt, serverURL string, settings *ModelSettings) *Stream
}

// Stream is a lazy sequence of events. Events() is closed on exhaustion;
// afterwards Err() reports nil for success or the failure that ended the
// stream. Consumers must drain Events(); to stop early, cancel the ctx the
// stream was started with and keep draining until close.
type Stream struct {
	events chan domain.Event
	err    error
	done   chan struct{}
}

// NewStream creates a stream fed by the given producer. The producer runs in
// its own goroutine, emits events via the returned send function, and its
// error return ends the stream.
func NewStream(produce func(send func(domain.Event) bool) error) *Stream {
	s := &Stream{
		events: make(chan domain.Event, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.events)
		defer close(s.done)
		s.err = produce(func(ev domain.Event) bool {
			s.events <- ev
			return true
		})
	}()
	return s
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan domain.Event { return s.events }

// Err reports the stream's terminal error. Only valid after Events() closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// HTTPSource streams agent events from an MCP bridge over HTTP SSE. The
// bridge accepts a prompt plus optional model credentials and relays the
// runtime's raw events, one JSON object per SSE data line.
type HTTPSource struct {
	Client *http.Client
}

// NewHTTPSource creates an HTTPSource with a client that has no overall
// timeout: agent executions are long-lived and bounded by ctx alone.
func NewHTTPSource() *HTTPSource {
	return &HTTPSource{Client: &http.Client{Timeout: 0}}
}

type streamRequest struct {
	Prompt   string         `json:"prompt"`
	MaxSteps int            `json:"max_steps"`
	Model    *ModelSettings `json:"model,omitempty"`
}

// Stream opens the SSE connection and normalizes the raw runtime events into
// the orchestrator's event model: an opening info record, one "event" record
// per kept runtime event, then success and result records. Transport or
// runtime failures end the stream with an error after an error event.
func (h *HTTPSource) Stream(ctx context.Context, prompt, serverURL string, settings *ModelSettings) *Stream {
	return NewStream(func(send func(domain.Event) bool) error {
		body, err := json.Marshal(streamRequest{Prompt: prompt, MaxSteps: 30, Model: settings})
		if err != nil {
			return fmt.Errorf("encoding stream request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building stream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := h.Client.Do(req)
		if err != nil {
			return fmt.Errorf("connecting to session: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("session endpoint returned %s", resp.Status)
		}

		send(domain.Event{Type: domain.EventInfo, Message: "Starting task execution."})

		var finalResult string
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var raw map[string]any
			if err := json.Unmarshal([]byte(payload), &raw); err != nil {
				continue // not a JSON event, ignore
			}
			if ShouldSkip(raw) {
				continue
			}

			message, result := Summarize(raw)
			ev := domain.Event{
				Type:    domain.EventAgent,
				Message: message,
				Details: json.RawMessage(payload),
			}
			if name, _ := raw["event"].(string); name != "" {
				ev.EventName = name
			}
			if src, _ := raw["name"].(string); src != "" {
				ev.EventSource = src
			}
			send(ev)
			if result != "" {
				finalResult = result
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		send(domain.Event{Type: domain.EventSuccess, Message: "Task completed."})
		if finalResult == "" {
			finalResult = "No final response returned."
		}
		send(domain.Event{Type: domain.EventResult, Message: finalResult})
		return nil
	})
}

var _ Source = (*HTTPSource)(nil)
