package emitter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
)

type fakeSink struct {
	mu        sync.Mutex
	completed map[string]event.Result
	failed    map[string]string
	cancelled map[string]string
	writes    int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		completed: make(map[string]event.Result),
		failed:    make(map[string]string),
		cancelled: make(map[string]string),
	}
}

func (f *fakeSink) CompleteSubtask(_ context.Context, id string, result event.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = result
	f.writes++
	return nil
}

func (f *fakeSink) FailSubtask(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	f.writes++
	return nil
}

func (f *fakeSink) CancelSubtask(_ context.Context, id, partial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = partial
	f.writes++
	return nil
}

func TestStatusUpdatingDoneMergesAccumulated(t *testing.T) {
	sink := newFakeSink()
	inner := &recorder{}
	e := NewStatusUpdating(inner, sink, nil, testRef, logger.Default())
	ctx := context.Background()

	require.NoError(t, EmitStart(ctx, e, testRef, "Chat"))
	require.NoError(t, EmitChunk(ctx, e, testRef, "he", 0))
	require.NoError(t, EmitChunk(ctx, e, testRef, "llo", 2))
	require.NoError(t, EmitDone(ctx, e, testRef, event.Result{}, 5))

	assert.Equal(t, "hello", sink.completed["7"].Value())
	assert.Equal(t, 1, sink.writes)
	// every event forwarded unchanged
	assert.Len(t, inner.all(), 4)
}

func TestStatusUpdatingDoneKeepsExplicitValue(t *testing.T) {
	sink := newFakeSink()
	e := NewStatusUpdating(&recorder{}, sink, nil, testRef, logger.Default())
	ctx := context.Background()

	require.NoError(t, EmitChunk(ctx, e, testRef, "partial", 0))
	require.NoError(t, EmitDone(ctx, e, testRef, event.Result{"value": "final"}, 7))

	assert.Equal(t, "final", sink.completed["7"].Value())
}

func TestStatusUpdatingErrorWritesFailed(t *testing.T) {
	sink := newFakeSink()
	e := NewStatusUpdating(&recorder{}, sink, nil, testRef, logger.Default())

	require.NoError(t, EmitError(context.Background(), e, testRef, "image pull failed"))
	assert.Equal(t, "image pull failed", sink.failed["7"])
}

func TestStatusUpdatingCancelledKeepsPartial(t *testing.T) {
	sink := newFakeSink()
	e := NewStatusUpdating(&recorder{}, sink, nil, testRef, logger.Default())
	ctx := context.Background()

	require.NoError(t, EmitChunk(ctx, e, testRef, "he", 0))
	require.NoError(t, EmitCancelled(ctx, e, testRef))

	assert.Equal(t, "he", sink.cancelled["7"])
	assert.Empty(t, sink.completed)
}

func TestStatusUpdatingTerminalAtMostOnce(t *testing.T) {
	sink := newFakeSink()
	inner := &recorder{}
	e := NewStatusUpdating(inner, sink, nil, testRef, logger.Default())
	ctx := context.Background()

	done := event.NewDone(testRef, event.Result{"value": "hi"}, 2)
	require.NoError(t, e.Emit(ctx, done))
	require.NoError(t, e.Emit(ctx, done))
	require.NoError(t, EmitError(ctx, e, testRef, "late"))

	assert.Equal(t, 1, sink.writes)
	assert.Empty(t, sink.failed)
	// forwarding still happens; downstream emitters drop on their own
	assert.Len(t, inner.all(), 3)
}
