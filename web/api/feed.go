package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// FeedEvent is one record of the global dashboard feed.
type FeedEvent struct {
	Kind string      `json:"kind"` // task_event, run_queued, status
	Data interface{} `json:"data"`
}

// FeedHub fans the feed out to SSE and websocket subscribers. Slow SSE
// subscribers lose events rather than backpressuring the orchestrator; dead
// websockets are dropped on the first failed write.
type FeedHub struct {
	mu      sync.Mutex
	streams map[chan FeedEvent]bool
	sockets map[*websocket.Conn]bool
}

// NewFeedHub creates an empty hub.
func NewFeedHub() *FeedHub {
	return &FeedHub{
		streams: make(map[chan FeedEvent]bool),
		sockets: make(map[*websocket.Conn]bool),
	}
}

// Subscribe registers an SSE subscriber channel.
func (h *FeedHub) Subscribe() chan FeedEvent {
	ch := make(chan FeedEvent, 32)
	h.mu.Lock()
	h.streams[ch] = true
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes an SSE subscriber channel.
func (h *FeedHub) Unsubscribe(ch chan FeedEvent) {
	h.mu.Lock()
	if h.streams[ch] {
		delete(h.streams, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// AddSocket registers a websocket subscriber.
func (h *FeedHub) AddSocket(conn *websocket.Conn) {
	h.mu.Lock()
	h.sockets[conn] = true
	h.mu.Unlock()
}

// RemoveSocket drops a websocket subscriber.
func (h *FeedHub) RemoveSocket(conn *websocket.Conn) {
	h.mu.Lock()
	if h.sockets[conn] {
		delete(h.sockets, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// Broadcast delivers an event to every subscriber.
func (h *FeedHub) Broadcast(event FeedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.streams {
		select {
		case ch <- event:
		default:
		}
	}
	for conn := range h.sockets {
		if err := conn.WriteJSON(event); err != nil {
			delete(h.sockets, conn)
			conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	// The dashboard is served from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedSocketHandler upgrades to a websocket and pushes the live feed until
// the client disconnects.
func (s *Server) feedSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("api: upgrading feed socket: %v", err)
			return
		}
		s.hub.AddSocket(conn)

		// Reads are discarded; the read loop only detects disconnects.
		go func() {
			defer s.hub.RemoveSocket(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// feedStreamHandler serves the live feed over SSE.
func (s *Server) feedStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		ch := s.hub.Subscribe()
		defer s.hub.Unsubscribe(ch)

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\n", event.Kind)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
