// Package history maintains the append-only interaction ledger stored in a
// conversation's state bag.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/aess/internal/domain"
	"github.com/ashureev/aess/internal/store"
)

// Mode selects how appends are made safe against concurrent turns.
type Mode string

const (
	// ModeAtomic delegates to the store's single-statement append.
	ModeAtomic Mode = "atomic"
	// ModeLocked reads, modifies and replaces the state under a per-conversation lock.
	ModeLocked Mode = "locked"
	// ModeUnguarded reads, modifies and replaces the state with no coordination.
	// Concurrent appends to one conversation may overwrite each other.
	ModeUnguarded Mode = "unguarded"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAtomic, ModeLocked, ModeUnguarded:
		return m, nil
	case "":
		return ModeAtomic, nil
	default:
		return "", fmt.Errorf("unknown history append mode %q", s)
	}
}

// Ledger appends typed entries to a conversation's interaction history.
type Ledger struct {
	conversations store.ConversationStore
	appender      store.HistoryAppender
	mode          Mode
	locks         *KeyedMutex
	now           func() time.Time
}

// NewLedger creates a ledger over conversations. ModeAtomic requires the
// store to implement store.HistoryAppender.
func NewLedger(conversations store.ConversationStore, mode Mode) (*Ledger, error) {
	l := &Ledger{
		conversations: conversations,
		mode:          mode,
		locks:         NewKeyedMutex(),
		now:           time.Now,
	}
	if mode == ModeAtomic {
		appender, ok := conversations.(store.HistoryAppender)
		if !ok {
			return nil, fmt.Errorf("history mode %q requires a store with atomic append", mode)
		}
		l.appender = appender
	}
	return l, nil
}

// Mode returns the configured append mode.
func (l *Ledger) Mode() Mode {
	return l.mode
}

// AppendUserQuery records a user query.
func (l *Ledger) AppendUserQuery(ctx context.Context, key domain.ConversationKey, query string) error {
	return l.Append(ctx, key, domain.HistoryEntry{Action: domain.ActionUserQuery, Query: query})
}

// AppendAgentResponse records the answer produced by agent.
func (l *Ledger) AppendAgentResponse(ctx context.Context, key domain.ConversationKey, agent, response string) error {
	return l.Append(ctx, key, domain.HistoryEntry{Action: domain.ActionAgentResponse, Agent: agent, Response: response})
}

// Append records entry, stamping it with the current time if unset.
// Failures are logged and returned; callers decide whether they matter.
func (l *Ledger) Append(ctx context.Context, key domain.ConversationKey, entry domain.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	var err error
	switch l.mode {
	case ModeAtomic:
		err = l.appender.AppendHistory(ctx, key, entry)
	case ModeLocked:
		unlock := l.locks.Lock(key.String())
		err = l.readModifyWrite(ctx, key, entry)
		unlock()
	default:
		err = l.readModifyWrite(ctx, key, entry)
	}

	if err != nil {
		slog.Error("Failed to update interaction history",
			"session_id", key.SessionID,
			"user_id", key.UserID,
			"action", entry.Action,
			"error", err,
		)
		return fmt.Errorf("append %s: %w", entry.Action, err)
	}
	return nil
}

func (l *Ledger) readModifyWrite(ctx context.Context, key domain.ConversationKey, entry domain.HistoryEntry) error {
	session, err := l.conversations.GetConversation(ctx, key)
	if err != nil {
		return err
	}
	if session.State == nil {
		session.State = domain.StateBag{}
	}
	history, err := session.State.History()
	if err != nil {
		return err
	}
	if err := session.State.Set(domain.StateInteractionHistory, append(history, entry)); err != nil {
		return err
	}
	return l.conversations.PutConversation(ctx, session)
}

// Entries returns the current history of a conversation.
func (l *Ledger) Entries(ctx context.Context, key domain.ConversationKey) ([]domain.HistoryEntry, error) {
	session, err := l.conversations.GetConversation(ctx, key)
	if err != nil {
		return nil, err
	}
	return session.State.History()
}
