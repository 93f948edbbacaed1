// internal/agent/events.go
package agent

import (
	"strconv"
	"strings"
)

const (
	snippetLimit = 160
	resultLimit  = 400
)

// preferredKeys orders the fields scanned first when digging a readable
// snippet out of a raw runtime event.
var preferredKeys = []string{
	"message", "output", "observation", "text", "content",
	"input", "prompt", "tool_input", "tool_output", "result",
}

// Truncate shortens text to at most limit runes, marking the cut.
func Truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

// extractFirstText walks an arbitrary decoded JSON value depth-first and
// returns the first non-empty string it finds, visiting preferred keys before
// the rest of a map.
func extractFirstText(value any, preferred []string) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case map[string]any:
		for _, key := range preferred {
			if nested, ok := v[key]; ok {
				if s := extractFirstText(nested, preferred); s != "" {
					return s
				}
			}
		}
		for _, nested := range v {
			if s := extractFirstText(nested, preferred); s != "" {
				return s
			}
		}
	case []any:
		for _, item := range v {
			if s := extractFirstText(item, preferred); s != "" {
				return s
			}
		}
	}
	return ""
}

// ShouldSkip reports whether a raw runtime event is a per-token model stream
// chunk. Those arrive at token granularity and would flood the log.
func ShouldSkip(event map[string]any) bool {
	if name, _ := event["event"].(string); name != "on_chat_model_stream" {
		return false
	}
	data, ok := event["data"].(map[string]any)
	if !ok {
		return false
	}
	switch chunk := data["chunk"].(type) {
	case map[string]any:
		if t, _ := chunk["type"].(string); t == "AIMessageChunk" {
			return true
		}
	case string:
		if chunk == "AIMessageChunk" {
			return true
		}
	}
	if t, _ := data["chunk_type"].(string); t == "AIMessageChunk" {
		return true
	}
	return false
}

// Summarize builds a one-line human-readable message for a raw runtime event
// and, for chain-end events, the candidate final result text.
func Summarize(event map[string]any) (message, result string) {
	eventType, _ := event["event"].(string)
	eventName, _ := event["name"].(string)
	data := event["data"]

	var labels []string
	if eventType != "" {
		labels = append(labels, titleCase(eventType))
	}
	if eventName != "" {
		labels = append(labels, eventName)
	}
	message = strings.Join(labels, " · ")
	if message == "" {
		message = "Agent event"
	}
	if snippet := extractFirstText(data, preferredKeys); snippet != "" {
		message = message + ": " + Truncate(snippet, snippetLimit)
	}

	if eventType == "on_chain_end" {
		if m, ok := data.(map[string]any); ok {
			result = extractFirstText(m["output"], []string{"output", "message", "text", "content", "result"})
		}
		if result == "" {
			result = extractFirstText(data, nil)
		}
		result = Truncate(result, resultLimit)
	}
	return message, result
}

// titleCase turns "on_chat_model_start" into "On Chat Model Start".
func titleCase(s string) string {
	words := strings.Split(s, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
