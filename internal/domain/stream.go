package domain

// StreamEventType tags the variants of a generation stream event.
type StreamEventType string

const (
	StreamChunk    StreamEventType = "chunk"
	StreamComplete StreamEventType = "complete"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one decoded data line from the generation stream.
// Exactly one payload field is meaningful for each type: Content for chunk,
// ComponentCode for complete, Message for error.
type StreamEvent struct {
	Type          StreamEventType `json:"type"`
	Content       string          `json:"content,omitempty"`
	ComponentCode string          `json:"componentCode,omitempty"`
	Language      string          `json:"language,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// Terminal reports whether no further events follow this one.
func (e StreamEvent) Terminal() bool {
	return e.Type == StreamComplete || e.Type == StreamError
}
