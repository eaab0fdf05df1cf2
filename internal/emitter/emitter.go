// Package emitter implements the result-emitter abstraction: every consumer
// of execution events (socket room, SSE stream, HTTP callback, subscription
// record) is an Emitter, and the dispatcher always wraps the chosen one in
// the status-updating decorator.
package emitter

import (
	"context"

	"github.com/weibocom/agentflow/internal/event"
)

// Emitter consumes execution events. Implementations swallow their own
// delivery errors where the contract demands it (callback, composite); the
// returned error is advisory for the caller's logging.
type Emitter interface {
	Emit(ctx context.Context, ev *event.Event) error
	// Close releases resources. Idempotent.
	Close() error
}

// EmitStart sends a start event carrying the shell type.
func EmitStart(ctx context.Context, e Emitter, ref event.Ref, shellType string) error {
	return e.Emit(ctx, event.NewStart(ref, shellType))
}

// EmitChunk sends a text delta.
func EmitChunk(ctx context.Context, e Emitter, ref event.Ref, content string, offset int) error {
	return e.Emit(ctx, event.NewChunk(ref, content, offset))
}

// EmitDone sends the terminal done event.
func EmitDone(ctx context.Context, e Emitter, ref event.Ref, result event.Result, offset int) error {
	return e.Emit(ctx, event.NewDone(ref, result, offset))
}

// EmitError sends the terminal error event.
func EmitError(ctx context.Context, e Emitter, ref event.Ref, msg string) error {
	return e.Emit(ctx, event.NewError(ref, msg))
}

// EmitCancelled sends the terminal cancelled event.
func EmitCancelled(ctx context.Context, e Emitter, ref event.Ref) error {
	return e.Emit(ctx, event.NewCancelled(ref))
}
