package model

// Stream event kinds emitted by the generation collaborator for one turn.
// Order within a turn is fixed: token* static? escalation end, with error
// always followed by end.
const (
	EventToken      = "token"
	EventStatic     = "static"
	EventEscalation = "escalation"
	EventEnd        = "end"
	EventError      = "error"
)

// StreamEvent is one structured reply event. Content carries text for
// token/static/error events; ShouldEscalate is meaningful only on
// escalation events.
type StreamEvent struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	ShouldEscalate bool   `json:"should_escalate,omitempty"`
}

// Data renders the event as the data object of a broadcast frame.
func (e *StreamEvent) Data() map[string]any {
	if e.Type == EventEscalation {
		return map[string]any{"type": e.Type, "should_escalate": e.ShouldEscalate}
	}
	return map[string]any{"type": e.Type, "content": e.Content}
}
