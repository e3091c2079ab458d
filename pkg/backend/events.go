package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of output event.
type EventType string

const (
	EventTypeText       EventType = "text"
	EventTypeToolUse    EventType = "tool_use"
	EventTypeToolResult EventType = "tool_result"
	EventTypeUsage      EventType = "usage"
	EventTypeError      EventType = "error"
	EventTypeComplete   EventType = "complete"
)

// OutputEvent is the interface for all streaming output event types.
type OutputEvent interface {
	eventType() EventType
	// When returns the event timestamp.
	When() time.Time
}

// Type returns the EventType of any OutputEvent.
func Type(ev OutputEvent) EventType { return ev.eventType() }

// TextEvent is a chunk of the backend's text output.
type TextEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// ToolUseEvent signals the backend invoked a tool.
type ToolUseEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// ToolResultEvent carries a tool invocation's result.
type ToolResultEvent struct {
	Timestamp time.Time `json:"timestamp"`
	ToolName  string    `json:"tool_name"`
	Output    string    `json:"output"`
	IsError   bool      `json:"is_error"`
}

// UsageEvent reports token consumption observed so far.
type UsageEvent struct {
	Timestamp  time.Time  `json:"timestamp"`
	TokenUsage TokenUsage `json:"token_usage"`
}

// ErrorEvent signals a mid-stream failure from the backend.
type ErrorEvent struct {
	Timestamp      time.Time      `json:"timestamp"`
	Message        string         `json:"message"`
	Classification Classification `json:"classification,omitempty"`
}

// CompleteEvent is the final event of every successful stream and carries
// the execution result.
type CompleteEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Result    *ExecutionResult `json:"result"`
}

func (e *TextEvent) eventType() EventType       { return EventTypeText }
func (e *ToolUseEvent) eventType() EventType    { return EventTypeToolUse }
func (e *ToolResultEvent) eventType() EventType { return EventTypeToolResult }
func (e *UsageEvent) eventType() EventType      { return EventTypeUsage }
func (e *ErrorEvent) eventType() EventType      { return EventTypeError }
func (e *CompleteEvent) eventType() EventType   { return EventTypeComplete }

func (e *TextEvent) When() time.Time       { return e.Timestamp }
func (e *ToolUseEvent) When() time.Time    { return e.Timestamp }
func (e *ToolResultEvent) When() time.Time { return e.Timestamp }
func (e *UsageEvent) When() time.Time      { return e.Timestamp }
func (e *ErrorEvent) When() time.Time      { return e.Timestamp }
func (e *CompleteEvent) When() time.Time   { return e.Timestamp }

// wireEvent is the JSON envelope shared by the subprocess line protocol,
// the remote SSE stream, and the transcript files.
type wireEvent struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	Content        string          `json:"content,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	Output         string          `json:"output,omitempty"`
	IsError        bool            `json:"is_error,omitempty"`
	TokenUsage     *TokenUsage     `json:"token_usage,omitempty"`
	Message        string          `json:"message,omitempty"`
	Classification Classification  `json:"classification,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
}

// MarshalEvent encodes an event into its wire JSON form.
func MarshalEvent(ev OutputEvent) ([]byte, error) {
	w := wireEvent{Type: ev.eventType(), Timestamp: ev.When()}
	switch e := ev.(type) {
	case *TextEvent:
		w.Content = e.Content
	case *ToolUseEvent:
		w.ToolName = e.ToolName
		w.ToolInput = e.ToolInput
	case *ToolResultEvent:
		w.ToolName = e.ToolName
		w.Output = e.Output
		w.IsError = e.IsError
	case *UsageEvent:
		usage := e.TokenUsage
		w.TokenUsage = &usage
	case *ErrorEvent:
		w.Message = e.Message
		w.Classification = e.Classification
	case *CompleteEvent:
		w.Result = e.Result
	default:
		return nil, fmt.Errorf("unknown output event type %T", ev)
	}
	return json.Marshal(w)
}

// UnmarshalEvent decodes a wire JSON frame into a typed event.
func UnmarshalEvent(data []byte) (OutputEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed output event: %w", err)
	}
	switch w.Type {
	case EventTypeText:
		return &TextEvent{Timestamp: w.Timestamp, Content: w.Content}, nil
	case EventTypeToolUse:
		return &ToolUseEvent{Timestamp: w.Timestamp, ToolName: w.ToolName, ToolInput: w.ToolInput}, nil
	case EventTypeToolResult:
		return &ToolResultEvent{Timestamp: w.Timestamp, ToolName: w.ToolName, Output: w.Output, IsError: w.IsError}, nil
	case EventTypeUsage:
		var usage TokenUsage
		if w.TokenUsage != nil {
			usage = *w.TokenUsage
		}
		return &UsageEvent{Timestamp: w.Timestamp, TokenUsage: usage}, nil
	case EventTypeError:
		return &ErrorEvent{Timestamp: w.Timestamp, Message: w.Message, Classification: w.Classification}, nil
	case EventTypeComplete:
		return &CompleteEvent{Timestamp: w.Timestamp, Result: w.Result}, nil
	default:
		return nil, fmt.Errorf("unknown output event type %q", w.Type)
	}
}
