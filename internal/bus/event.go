// Package bus delivers ordered lifecycle events to session observers.
package bus

import "time"

// Type tags the event union.
type Type string

const (
	TypeUserTask Type = "user_task"
	TypeThought  Type = "thought"
	TypeAction   Type = "action"
	TypeResult   Type = "result"
	TypeError    Type = "error"
)

// Event is one entry in a session's ordered lifecycle stream. Seq is
// assigned by the bus at publish time, strictly increasing per session
// starting at 1.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// UserTask builds a user_task event body.
func UserTask(content string) Event { return Event{Type: TypeUserTask, Content: content} }

// Thought builds a thought event body.
func Thought(content string) Event { return Event{Type: TypeThought, Content: content} }

// Action builds an action event body.
func Action(tool string, args map[string]any) Event {
	return Event{Type: TypeAction, Tool: tool, Args: args}
}

// Result builds a result event body.
func Result(content string) Event { return Event{Type: TypeResult, Content: content} }

// Error builds an error event body.
func Error(content string) Event { return Event{Type: TypeError, Content: content} }

// Thinking reports whether the UI busy indicator should show given the
// last event on the stream: busy is a pure projection of "last event was a
// thought or action with no result/error after it".
func Thinking(last Event) bool {
	return last.Type == TypeThought || last.Type == TypeAction
}
