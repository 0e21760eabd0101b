package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known state bag keys. Any other key is opaque pass-through data.
const (
	StateUserName           = "user_name"
	StateUserEmail          = "user_email"
	StateRole               = "role"
	StateInteractionHistory = "interaction_history"
)

// HistoryAction discriminates interaction history entries.
type HistoryAction string

const (
	ActionUserQuery     HistoryAction = "user_query"
	ActionAgentResponse HistoryAction = "agent_response"
)

// HistoryEntry is one immutable record of the interaction ledger.
type HistoryEntry struct {
	Action    HistoryAction `json:"action"`
	Timestamp time.Time     `json:"timestamp"`
	Query     string        `json:"query,omitempty"`
	Agent     string        `json:"agent,omitempty"`
	Response  string        `json:"response,omitempty"`
}

// ConversationKey addresses one conversation session.
type ConversationKey struct {
	AppName   string
	UserID    string
	SessionID string
}

func (k ConversationKey) String() string {
	return k.AppName + ":" + k.UserID + ":" + k.SessionID
}

// StateBag holds named conversation fields as raw JSON so that unknown
// keys written by a responder round-trip untouched.
type StateBag map[string]json.RawMessage

// ConversationSession is the mutable per-conversation state.
type ConversationSession struct {
	Key       ConversationKey
	State     StateBag
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewConversationState builds the initial state bag written at login.
func NewConversationState(name, email, role string) (StateBag, error) {
	state := StateBag{}
	for key, value := range map[string]any{
		StateUserName:           name,
		StateUserEmail:          email,
		StateRole:               role,
		StateInteractionHistory: []HistoryEntry{},
	} {
		if err := state.Set(key, value); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// Set marshals value into the bag under key.
func (b StateBag) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	b[key] = raw
	return nil
}

// String returns a string field, or "" when absent or not a string.
func (b StateBag) String(key string) string {
	raw, ok := b[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// History decodes the interaction history. A missing key yields an empty ledger.
func (b StateBag) History() ([]HistoryEntry, error) {
	raw, ok := b[StateInteractionHistory]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return []HistoryEntry{}, nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode interaction history: %w", err)
	}
	return entries, nil
}

// Clone returns a shallow copy safe to hand to another goroutine.
func (b StateBag) Clone() StateBag {
	out := make(StateBag, len(b))
	for k, v := range b {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
