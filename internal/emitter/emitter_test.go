package emitter

import (
	"context"
	"errors"
	"sync"

	"github.com/weibocom/agentflow/internal/event"
)

// recorder captures emitted events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
	closed int
	fail   bool
}

func (r *recorder) Emit(_ context.Context, ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("boom")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recorder) all() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.Event, len(r.events))
	copy(out, r.events)
	return out
}

// broadcastCall is one BroadcastToRoom invocation.
type broadcastCall struct {
	Namespace string
	Room      string
	Action    string
	Payload   map[string]any
}

type fakeSender struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (f *fakeSender) BroadcastToRoom(namespace, room, action string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, _ := payload.(map[string]any)
	f.calls = append(f.calls, broadcastCall{Namespace: namespace, Room: room, Action: action, Payload: m})
}

func (f *fakeSender) all() []broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broadcastCall, len(f.calls))
	copy(out, f.calls)
	return out
}

var testRef = event.Ref{TaskID: "42", SubtaskID: "7", MessageID: 3}
