package domain

// Session is one of a fixed set of exclusive remote automation endpoints.
// Sessions are defined at configuration time and never added or removed while
// the process is running.
type Session struct {
	Identifier string
	ServerURL  string // MCP control endpoint (SSE)
	ViewerURL  string // Xpra viewer endpoint for watching the session
}
