package emitter

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/weibocom/agentflow/internal/event"
)

// SSEEmitter buffers events in an unbounded queue so a producer can emit
// without blocking while a consumer drains via Stream, StreamSSE, or
// Collect. The queue ends at the first terminal event or at Close.
type SSEEmitter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*event.Event
	done   bool
	closed bool
}

// NewSSE creates an SSE emitter.
func NewSSE() *SSEEmitter {
	e := &SSEEmitter{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Emit enqueues the event. Events after a terminal one are dropped.
func (e *SSEEmitter) Emit(_ context.Context, ev *event.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.closed {
		return nil
	}
	e.queue = append(e.queue, ev)
	if ev.Type.Terminal() {
		e.done = true
	}
	e.cond.Broadcast()
	return nil
}

// next blocks until an event is available or the stream ends. Returns nil
// when drained.
func (e *SSEEmitter) next() *event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 {
		if e.done || e.closed {
			return nil
		}
		e.cond.Wait()
	}
	ev := e.queue[0]
	e.queue = e.queue[1:]
	return ev
}

// Stream yields events until a terminal event (inclusive) or Close. The
// returned channel is closed when the stream ends or ctx is cancelled.
func (e *SSEEmitter) Stream(ctx context.Context) <-chan *event.Event {
	out := make(chan *event.Event)
	go func() {
		defer close(out)
		for {
			ev := e.next()
			if ev == nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type.Terminal() {
				return
			}
		}
	}()
	return out
}

// StreamSSE writes the stream as "data: <json>\n\n" frames, flushing after
// each if the writer supports it.
func (e *SSEEmitter) StreamSSE(ctx context.Context, w io.Writer) error {
	flusher, _ := w.(interface{ Flush() })
	for ev := range e.Stream(ctx) {
		frame, err := ev.EncodeSSE()
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return ctx.Err()
}

// Collect drains the stream, concatenating chunk content, and returns the
// accumulated text with the terminal event (nil if closed without one).
func (e *SSEEmitter) Collect(ctx context.Context) (string, *event.Event, error) {
	var sb strings.Builder
	for ev := range e.Stream(ctx) {
		switch ev.Type {
		case event.TypeChunk:
			sb.WriteString(ev.Content)
		case event.TypeDone, event.TypeError, event.TypeCancelled:
			return sb.String(), ev, nil
		}
	}
	return sb.String(), nil, ctx.Err()
}

// Close unblocks any consumer and drops later events.
func (e *SSEEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}
