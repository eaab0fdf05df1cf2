// Package event defines the execution event and request records shared by
// the dispatcher, emitters, queue, and socket layers.
package event

import (
	"encoding/json"
	"time"
)

// Type is the variant tag of an execution event.
type Type string

const (
	TypeStart      Type = "start"
	TypeChunk      Type = "chunk"
	TypeThinking   Type = "thinking"
	TypeToolStart  Type = "tool_start"
	TypeToolResult Type = "tool_result"
	TypeProgress   Type = "progress"
	TypeDone       Type = "done"
	TypeError      Type = "error"
	TypeCancelled  Type = "cancelled"
)

// Terminal reports whether the event type ends a stream. Any emitter's
// terminal path closes its downstream and drops subsequent events.
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeError || t == TypeCancelled
}

// known reports whether t is one of the declared variants.
func (t Type) known() bool {
	switch t {
	case TypeStart, TypeChunk, TypeThinking, TypeToolStart, TypeToolResult,
		TypeProgress, TypeDone, TypeError, TypeCancelled:
		return true
	}
	return false
}

// Event is one step of a streaming response.
type Event struct {
	Type      Type   `json:"type"`
	TaskID    string `json:"task_id,omitempty"`
	SubtaskID string `json:"subtask_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`

	// chunk / thinking
	Content string `json:"content,omitempty"`
	Offset  int    `json:"offset,omitempty"`

	// tool_start / tool_result
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput  json.RawMessage `json:"tool_output,omitempty"`
	ToolDisplay string          `json:"tool_display,omitempty"`

	// progress
	Progress int    `json:"progress,omitempty"`
	Status   string `json:"status,omitempty"`

	// done (and optionally chunk)
	Result Result `json:"result,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// free-form extras: shell_type on start, block_id/block_offset on chunk,
	// status on tool_result, task_type for callback routing.
	Data map[string]any `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Ref identifies the subtask an event belongs to.
type Ref struct {
	TaskID    string
	SubtaskID string
	MessageID int64
}

// NewStart builds a start event carrying the shell type.
func NewStart(ref Ref, shellType string) *Event {
	return &Event{
		Type: TypeStart, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
		Data:      map[string]any{"shell_type": shellType},
		Timestamp: time.Now().UTC(),
	}
}

// NewChunk builds a text delta event.
func NewChunk(ref Ref, content string, offset int) *Event {
	return &Event{
		Type: TypeChunk, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
		Content: content, Offset: offset,
		Timestamp: time.Now().UTC(),
	}
}

// NewProgress builds a progress event (0-100).
func NewProgress(ref Ref, progress int, status string) *Event {
	return &Event{
		Type: TypeProgress, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
		Progress: progress, Status: status,
		Timestamp: time.Now().UTC(),
	}
}

// NewDone builds a terminal done event with the final result.
func NewDone(ref Ref, result Result, offset int) *Event {
	return &Event{
		Type: TypeDone, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
		Result: result, Offset: offset,
		Timestamp: time.Now().UTC(),
	}
}

// NewError builds a terminal error event.
func NewError(ref Ref, msg string) *Event {
	return &Event{
		Type: TypeError, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// NewCancelled builds a terminal cancelled event.
func NewCancelled(ref Ref) *Event {
	return &Event{
		Type: TypeCancelled, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
		Timestamp: time.Now().UTC(),
	}
}

// Ref returns the subtask reference carried by the event.
func (e *Event) Ref() Ref {
	return Ref{TaskID: e.TaskID, SubtaskID: e.SubtaskID, MessageID: e.MessageID}
}

// DataString returns a string field from the free-form data bag.
func (e *Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// ShellType returns data.shell_type for start events.
func (e *Event) ShellType() string { return e.DataString("shell_type") }

// TaskType returns data.task_type, used by the callback endpoint to route
// validation and sandbox task events away from the regular subtask path.
func (e *Event) TaskType() string { return e.DataString("task_type") }

// Parse decodes an event from JSON. An unknown or missing type decodes as a
// chunk with whatever content the payload carried.
func Parse(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if !ev.Type.known() {
		ev.Type = TypeChunk
	}
	return &ev, nil
}
