package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/aess/internal/domain"
	"github.com/ashureev/aess/internal/history"
	"github.com/ashureev/aess/internal/metrics"
	"github.com/lithammer/shortuuid/v4"
)

const unknownAgent = "unknown"

// Orchestrator runs query turns: it records the query, consumes the
// responder stream through the projector and records the final answer.
type Orchestrator struct {
	responder Responder
	ledger    *history.Ledger
	metrics   *metrics.Metrics
	log       ConversationLogger
	newID     func() string
}

// NewOrchestrator creates an orchestrator. m and convLog may be nil.
func NewOrchestrator(responder Responder, ledger *history.Ledger, m *metrics.Metrics, convLog ConversationLogger) *Orchestrator {
	if responder == nil {
		responder = UnavailableResponder{}
	}
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	return &Orchestrator{
		responder: responder,
		ledger:    ledger,
		metrics:   m,
		log:       convLog,
		newID:     shortuuid.New,
	}
}

// Responder returns the configured backend.
func (o *Orchestrator) Responder() Responder {
	return o.responder
}

// Run executes one turn for query. When emit is non-nil the query id, every
// progress notice, the final answer and any failure are also delivered to
// it as they happen; an emit error stops consuming the responder stream.
// Run never returns an error: responder failures are reported in the
// result and history failures are logged.
func (o *Orchestrator) Run(ctx context.Context, sc SessionContext, query string, emit func(Update) error) TurnResult {
	start := time.Now()
	mode := "buffered"
	if emit != nil {
		mode = "live"
	}
	result := TurnResult{QueryID: o.newID()}
	key := sc.Key()
	// History writes outlive a client disconnect.
	persistCtx := context.WithoutCancel(ctx)

	o.logMessage(sc, result.QueryID, mode, "outbound", "chat_user_message", query, nil)
	if err := o.ledger.AppendUserQuery(persistCtx, key, query); err != nil {
		o.metrics.LedgerFailure(string(domain.ActionUserQuery))
	}

	var (
		lastAuthor string
		streamErr  error
		detached   bool
	)
	deliver := func(u Update) bool {
		if emit == nil || detached {
			return !detached
		}
		if err := emit(u); err != nil {
			slog.Info("Client stopped receiving, cancelling turn", "query_id", result.QueryID, "session_id", sc.SessionID, "error", err)
			detached = true
			return false
		}
		return true
	}

	deliver(Update{Kind: UpdateStart, Text: result.QueryID})

	for ev, err := range o.responder.Stream(ctx, sc, query) {
		if detached {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if ev == nil {
			continue
		}
		if ev.Author != "" {
			lastAuthor = ev.Author
		}

		for _, n := range ProjectNotices(ev) {
			result.Progress = append(result.Progress, n.Text)
			o.metrics.ProgressNotice(string(n.Kind))
			if !deliver(Update{Kind: UpdateProgress, Text: n.Text}) {
				break
			}
		}
		if detached {
			break
		}

		if ev.Final && !result.Final {
			result.Final = true
			result.Response = FinalText(ev)
			result.Agent = ev.Author
			if result.Agent == "" {
				result.Agent = lastAuthor
			}
			if !deliver(Update{Kind: UpdateFinal, Text: *result.Answer()}) {
				break
			}
		}
	}

	outcome := "completed"
	switch {
	case streamErr != nil:
		result.Failed = true
		result.Response = ""
		result.Progress = append(result.Progress, ErrorNotice)
		o.metrics.ProgressNotice(string(NoticeError))
		if errors.Is(streamErr, context.Canceled) {
			outcome = "cancelled"
		} else {
			outcome = "failed"
		}
		slog.Error("Responder stream failed",
			"query_id", result.QueryID,
			"session_id", sc.SessionID,
			"responder", o.responder.Name(),
			"error", streamErr,
		)
		deliver(Update{Kind: UpdateError, Text: ErrorNotice})
	case detached:
		outcome = "cancelled"
	case result.Response == "":
		outcome = "no_answer"
	}

	if result.Response != "" {
		agent := result.Agent
		if agent == "" {
			agent = unknownAgent
		}
		if err := o.ledger.AppendAgentResponse(persistCtx, key, agent, result.Response); err != nil {
			o.metrics.LedgerFailure(string(domain.ActionAgentResponse))
		}
	}

	elapsed := time.Since(start)
	o.metrics.ObserveTurn(mode, outcome, elapsed)
	o.logMessage(sc, result.QueryID, mode, "inbound", "chat_assistant_message", result.Response, map[string]any{
		"agent":    result.Agent,
		"outcome":  outcome,
		"progress": len(result.Progress),
	})
	slog.Info("Query turn finished",
		"query_id", result.QueryID,
		"session_id", sc.SessionID,
		"user_id", sc.UserID,
		"mode", mode,
		"outcome", outcome,
		"progress_count", len(result.Progress),
		"response_length", len(result.Response),
		"duration_ms", elapsed.Milliseconds(),
	)
	return result
}

func (o *Orchestrator) logMessage(sc SessionContext, queryID, mode, direction, eventType, content string, meta map[string]any) {
	o.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     sc.UserID,
		SessionID:  sc.SessionID,
		QueryID:    queryID,
		Channel:    "query_" + mode,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
