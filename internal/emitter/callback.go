package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
)

// CallbackEmitter POSTs every event as JSON to a callback URL. Delivery
// failures are logged and swallowed; a slow or dead callback must never
// stall the streaming loop.
type CallbackEmitter struct {
	url    string
	client *http.Client
	logger *logger.Logger
}

// NewCallback creates a callback emitter.
func NewCallback(url string, client *http.Client, log *logger.Logger) *CallbackEmitter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CallbackEmitter{
		url:    url,
		client: client,
		logger: log.WithFields(zap.String("component", "callback_emitter"), zap.String("url", url)),
	}
}

// Emit posts the event. Never returns a delivery error.
func (e *CallbackEmitter) Emit(ctx context.Context, ev *event.Event) error {
	if err := e.post(ctx, e.url, ev); err != nil {
		e.logger.Warn("callback delivery failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
	return nil
}

// Close is a no-op.
func (e *CallbackEmitter) Close() error { return nil }

func (e *CallbackEmitter) post(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}

// BatchCallbackEmitter buffers events and POSTs them as a JSON array to
// {url}/batch, flushing when the buffer reaches batchSize, on any terminal
// event, and on Close.
type BatchCallbackEmitter struct {
	inner     *CallbackEmitter
	batchSize int

	mu     sync.Mutex
	buf    []*event.Event
	closed bool
}

// NewBatchCallback creates a batching callback emitter.
func NewBatchCallback(url string, batchSize int, client *http.Client, log *logger.Logger) *BatchCallbackEmitter {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &BatchCallbackEmitter{
		inner:     NewCallback(url, client, log),
		batchSize: batchSize,
	}
}

// Emit buffers the event and flushes when full or terminal.
func (e *BatchCallbackEmitter) Emit(ctx context.Context, ev *event.Event) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.buf = append(e.buf, ev)
	shouldFlush := len(e.buf) >= e.batchSize || ev.Type.Terminal()
	var batch []*event.Event
	if shouldFlush {
		batch = e.buf
		e.buf = nil
	}
	e.mu.Unlock()

	if batch != nil {
		e.flush(ctx, batch)
	}
	return nil
}

// Close flushes any remaining events.
func (e *BatchCallbackEmitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	batch := e.buf
	e.buf = nil
	e.mu.Unlock()

	if len(batch) > 0 {
		e.flush(context.Background(), batch)
	}
	return nil
}

func (e *BatchCallbackEmitter) flush(ctx context.Context, batch []*event.Event) {
	if err := e.inner.post(ctx, e.inner.url+"/batch", batch); err != nil {
		e.inner.logger.Warn("batch callback delivery failed",
			zap.Int("events", len(batch)),
			zap.Error(err))
	}
}
