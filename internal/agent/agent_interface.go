package agent

import (
	"context"
	"errors"
	"iter"
)

// ErrResponderUnavailable is yielded when no responder backend is configured.
var ErrResponderUnavailable = errors.New("responder unavailable")

// Responder decides how to answer a message and streams its events back.
// Implementations must stop producing events once ctx is done or the
// consumer stops iterating.
type Responder interface {
	// Name identifies the backend in logs and health output.
	Name() string

	// Stream answers message in the context of sc.
	Stream(ctx context.Context, sc SessionContext, message string) iter.Seq2[*Event, error]
}

// Ensure every backend implements Responder.
var (
	_ Responder = (*GrpcResponder)(nil)
	_ Responder = (*GeminiResponder)(nil)
	_ Responder = UnavailableResponder{}
)

// UnavailableResponder fails every turn with ErrResponderUnavailable.
type UnavailableResponder struct{}

// Name implements Responder.
func (UnavailableResponder) Name() string { return "none" }

// Stream implements Responder.
func (UnavailableResponder) Stream(context.Context, SessionContext, string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		yield(nil, ErrResponderUnavailable)
	}
}
