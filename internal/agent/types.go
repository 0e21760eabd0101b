// Package agent drives query turns against a delegated responder and
// delivers their progress to clients.
package agent

import (
	"time"

	"github.com/ashureev/aess/internal/domain"
)

// Event is one unit of output from a Responder.
type Event struct {
	ID     string `json:"id,omitempty"`
	Author string `json:"author,omitempty"`
	Parts  []Part `json:"parts,omitempty"`
	Final  bool   `json:"final,omitempty"`
}

// Part is one content element of an Event. Exactly one field is expected
// to be set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall is a request by an agent to invoke a tool.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult carries the output of a tool invocation.
type ToolResult struct {
	Name     string         `json:"name,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// SessionContext is the request-scoped view of a conversation handed to a
// Responder.
type SessionContext struct {
	AppName   string
	UserID    string
	SessionID string
	UserName  string
	Role      string
	State     domain.StateBag
}

// Key returns the conversation key this context addresses.
func (sc SessionContext) Key() domain.ConversationKey {
	return domain.ConversationKey{AppName: sc.AppName, UserID: sc.UserID, SessionID: sc.SessionID}
}

// UpdateKind discriminates Updates emitted during a turn.
type UpdateKind string

const (
	// UpdateStart carries the query id before any other update.
	UpdateStart    UpdateKind = "start"
	UpdateProgress UpdateKind = "progress"
	UpdateFinal    UpdateKind = "final"
	UpdateError    UpdateKind = "error"
)

// Update is one message delivered to a live client while a turn runs.
type Update struct {
	Kind UpdateKind
	Text string
}

// TurnResult is the outcome of one query turn.
type TurnResult struct {
	QueryID  string
	Progress []string
	Response string
	Agent    string
	// Final is set when the responder produced a final event.
	Final bool
	// Failed is set when iterating the responder stream returned an error.
	Failed bool
}

// Answer returns the human-facing answer: the final response, the fixed
// placeholder when none was produced, or nil for a failed turn.
func (r TurnResult) Answer() *string {
	if r.Failed {
		return nil
	}
	answer := r.Response
	if answer == "" {
		answer = NoResponsePlaceholder
	}
	return &answer
}

// Config holds agent delivery settings.
type Config struct {
	AppName       string
	ProgressDelay time.Duration
	FinalDelay    time.Duration
	MaxBodySize   int64
}

// DefaultConfig returns delivery settings without pacing.
func DefaultConfig() Config {
	return Config{
		AppName:     "AESS",
		MaxBodySize: defaultMaxRequestBodySize,
	}
}
