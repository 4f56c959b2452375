package bridge

// ClientMessage is one frame from the browser. Type is the tag; the other
// fields are populated per type.
type ClientMessage struct {
	Type      string `json:"type"` // "input", "resize", "ping"
	SessionID string `json:"sessionId"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ServerMessage is one frame to the browser.
type ServerMessage struct {
	Type      string `json:"type"` // "output", "error", "disconnect", "pong"
	SessionID string `json:"sessionId"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
}
