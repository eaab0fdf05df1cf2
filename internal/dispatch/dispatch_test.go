package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/emitter"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/router"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
	"github.com/weibocom/agentflow/internal/task/service"
)

type broadcastCall struct {
	Namespace string
	Room      string
	Action    string
	Payload   any
}

type fakeSender struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (f *fakeSender) BroadcastToRoom(namespace, room, action string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{namespace, room, action, payload})
}

func (f *fakeSender) byAction(action string) []broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastCall
	for _, c := range f.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

type env struct {
	svc    *service.Service
	state  *store.Store
	sender *fakeSender
	mr     *miniredis.Miniredis
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &env{
		svc:    service.New(repository.NewMemory(), logger.Default()),
		state:  store.New(rdb, store.DefaultConfig(), logger.Default()),
		sender: &fakeSender{},
		mr:     mr,
	}
}

// seedAssistant creates a task with a pending assistant turn and returns a
// request for it.
func (e *env) seedAssistant(t *testing.T, shellType string) *event.Request {
	t.Helper()
	ctx := context.Background()
	task, err := e.svc.CreateTask(ctx, "1", models.TaskSpec{}, nil)
	require.NoError(t, err)
	turn, err := e.svc.AppendTurn(ctx, service.TurnParams{TaskID: task.ID, UserID: "1", Prompt: "hi", TriggerAI: true})
	require.NoError(t, err)
	return &event.Request{
		TaskID:    task.ID,
		SubtaskID: turn.Assistant.ID,
		MessageID: turn.Assistant.MessageID,
		Prompt:    "hi",
		Bots:      []event.Bot{{ShellType: shellType}},
		User:      event.User{ID: "1"},
	}
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
}

func TestDispatchSSEHappyPath(t *testing.T) {
	e := newEnv(t)
	ts := sseServer(t,
		`{"type":"chunk","content":"he","offset":0}`,
		`{"type":"chunk","content":"llo","offset":2}`,
		`[DONE]`,
		`{"type":"done","result":{"value":"hello"}}`,
	)
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellChat)
	d := New(router.New(ts.URL, "http://manager"), e.svc, e.state, e.sender, ts.Client(), logger.Default())

	require.NoError(t, d.Dispatch(context.Background(), req, nil, ""))

	// wire events reached the task room
	chunks := e.sender.byAction("chat:chunk")
	require.Len(t, chunks, 2)
	assert.Len(t, e.sender.byAction("chat:start"), 1)
	assert.Len(t, e.sender.byAction("chat:done"), 1)

	// terminal status written with the final result
	st, err := e.svc.GetSubtask(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, "hello", st.Result.Value())

	// task mirror follows
	task, err := e.svc.GetTask(context.Background(), req.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status.Status)

	// history cache gained the assistant answer
	history, err := e.state.History(context.Background(), req.TaskID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "assistant", history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
}

func TestDispatchSSEAssignsMissingOffsets(t *testing.T) {
	e := newEnv(t)
	ts := sseServer(t,
		`{"type":"chunk","content":"he"}`,
		`{"type":"chunk","content":"llo"}`,
		`{"type":"done","result":{"value":"hello"}}`,
	)
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellChat)
	d := New(router.New(ts.URL, "http://manager"), e.svc, e.state, e.sender, ts.Client(), logger.Default())
	require.NoError(t, d.Dispatch(context.Background(), req, nil, ""))

	// providers that omit offsets still yield a monotonic sequence
	chunks := e.sender.byAction("chat:chunk")
	require.Len(t, chunks, 2)
	first := chunks[0].Payload.(map[string]any)
	second := chunks[1].Payload.(map[string]any)
	assert.Equal(t, 0, first["offset"])
	assert.Equal(t, 2, second["offset"])
}

func TestDispatchSSEUnknownTypeIsChunk(t *testing.T) {
	e := newEnv(t)
	ts := sseServer(t,
		`{"type":"mystery","content":"x"}`,
		`{"type":"done","result":{"value":"x"}}`,
	)
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellChat)
	d := New(router.New(ts.URL, "http://manager"), e.svc, e.state, e.sender, ts.Client(), logger.Default())
	require.NoError(t, d.Dispatch(context.Background(), req, nil, ""))

	chunks := e.sender.byAction("chat:chunk")
	require.Len(t, chunks, 1)
}

func TestDispatchSSECancelledMidStream(t *testing.T) {
	e := newEnv(t)
	req := e.seedAssistant(t, event.ShellChat)

	// the flag is flipped before the second frame is consumed
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"chunk\",\"content\":\"he\",\"offset\":0}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		require.NoError(t, e.state.CancelStream(r.Context(), req.SubtaskID))
		fmt.Fprint(w, "data: {\"type\":\"chunk\",\"content\":\"llo\",\"offset\":2}\n\n")
	}))
	defer ts.Close()

	d := New(router.New(ts.URL, "http://manager"), e.svc, e.state, e.sender, ts.Client(), logger.Default())
	require.NoError(t, d.Dispatch(context.Background(), req, nil, ""))

	assert.Len(t, e.sender.byAction("chat:cancelled"), 1)

	st, err := e.svc.GetSubtask(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	// cancellation lands in COMPLETED with the partial preserved
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, "he", st.Result.Value())
}

func TestDispatchSSEUpstreamFailureEmitsError(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellChat)
	d := New(router.New(ts.URL, "http://manager"), e.svc, e.state, e.sender, ts.Client(), logger.Default())
	err := d.Dispatch(context.Background(), req, nil, "")
	require.Error(t, err)

	assert.Len(t, e.sender.byAction("chat:error"), 1)
	st, gErr := e.svc.GetSubtask(context.Background(), req.SubtaskID)
	require.NoError(t, gErr)
	assert.Equal(t, models.StatusFailed, st.Status)
}

func TestDispatchWebSocketPersistsExecutorAndEmitsStart(t *testing.T) {
	e := newEnv(t)
	req := e.seedAssistant(t, event.ShellClaudeCode)
	d := New(router.New("http://chat", "http://manager"), e.svc, e.state, e.sender, nil, logger.Default())

	require.NoError(t, d.Dispatch(context.Background(), req, nil, "abc"))

	st, err := e.svc.GetSubtask(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, "device-abc", st.ExecutorName)
	assert.Equal(t, "user-1", st.ExecutorNamespace)
	assert.Equal(t, models.StatusRunning, st.Status)

	// START on our side before the request reaches the device room
	starts := e.sender.byAction("chat:start")
	require.Len(t, starts, 1)
	execs := e.sender.byAction("task:execute")
	require.Len(t, execs, 1)
	assert.Equal(t, "/local-executor", execs[0].Namespace)
	assert.Equal(t, "device:1:abc", execs[0].Room)
}

func TestDispatchHTTPCallback(t *testing.T) {
	e := newEnv(t)
	var got callbackWrapper
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellClaudeCode)
	d := New(router.New("http://chat", ts.URL), e.svc, e.state, e.sender, ts.Client(), logger.Default())
	require.NoError(t, d.Dispatch(context.Background(), req, nil, ""))

	assert.Equal(t, req.TaskID, got.TaskID)
	assert.Equal(t, req.SubtaskID, got.SubtaskID)
	assert.Equal(t, event.ShellClaudeCode, got.ShellType)
	require.NotNil(t, got.Payload)
	assert.Equal(t, "hi", got.Payload.Prompt)

	assert.Len(t, e.sender.byAction("chat:start"), 1)

	// worker registered for heartbeat tracking
	running, err := e.state.RunningTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, req.SubtaskID, running[0].SubtaskID)

	st, err := e.svc.GetSubtask(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, st.Status)
}

type fakeSubmitter struct {
	submitted []*event.Request
	taskTypes []string
	cancelled []string
}

func (f *fakeSubmitter) SubmitExecutor(_ context.Context, req *event.Request, taskType string) error {
	f.submitted = append(f.submitted, req)
	f.taskTypes = append(f.taskTypes, taskType)
	return nil
}

func (f *fakeSubmitter) CancelTask(_ context.Context, taskID string) error {
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func TestDispatchHTTPCallbackContainerMode(t *testing.T) {
	e := newEnv(t)
	req := e.seedAssistant(t, event.ShellClaudeCode)
	d := New(router.New("http://chat", "http://manager"), e.svc, e.state, e.sender, nil, logger.Default())
	sub := &fakeSubmitter{}
	d.UseContainers(sub)

	require.NoError(t, d.Dispatch(context.Background(), req, nil, ""))

	// the request went to the local container backend, not the manager URL
	require.Len(t, sub.submitted, 1)
	assert.Equal(t, req.SubtaskID, sub.submitted[0].SubtaskID)
	assert.Equal(t, TaskTypeOnline, sub.taskTypes[0])
	assert.Len(t, e.sender.byAction("chat:start"), 1)

	running, err := e.state.RunningTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, req.SubtaskID, running[0].SubtaskID)
}

func TestCancelContainerModeUsesSubmitter(t *testing.T) {
	e := newEnv(t)
	req := e.seedAssistant(t, event.ShellClaudeCode)
	d := New(router.New("http://chat", "http://manager"), e.svc, e.state, e.sender, nil, logger.Default())
	sub := &fakeSubmitter{}
	d.UseContainers(sub)

	require.NoError(t, d.Cancel(context.Background(), req, ""))

	assert.Equal(t, []string{req.TaskID}, sub.cancelled)
	flag, err := e.state.IsCancelled(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	assert.True(t, flag)
}

func TestDispatchSubscriptionRecordsOutcome(t *testing.T) {
	e := newEnv(t)
	ts := sseServer(t,
		`{"type":"done","result":{"value":"","silent_exit":true}}`,
	)
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellChat)
	req.IsSubscription = true
	d := New(router.New(ts.URL, "http://manager"), e.svc, e.state, e.sender, ts.Client(), logger.Default())
	require.NoError(t, d.Dispatch(context.Background(), req, nil, ""))

	status, summary, err := e.state.ExecutionStatus(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, emitter.ExecutionCompletedSilent, status)
	assert.Empty(t, summary)

	// the websocket leg still ran alongside the recorder
	assert.Len(t, e.sender.byAction("chat:done"), 1)
}

func TestDispatchHTTPCallbackNon200Fails(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellAgno)
	d := New(router.New("http://chat", ts.URL), e.svc, e.state, e.sender, ts.Client(), logger.Default())
	require.Error(t, d.Dispatch(context.Background(), req, nil, ""))

	st, err := e.svc.GetSubtask(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
}

func TestCancelSetsFlagAndCallsTransport(t *testing.T) {
	e := newEnv(t)
	var cancelled map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/cancel", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &cancelled))
	}))
	defer ts.Close()

	req := e.seedAssistant(t, event.ShellChat)
	d := New(router.New(ts.URL, "http://manager"), e.svc, e.state, e.sender, ts.Client(), logger.Default())

	require.NoError(t, d.Cancel(context.Background(), req, ""))

	flag, err := e.state.IsCancelled(context.Background(), req.SubtaskID)
	require.NoError(t, err)
	assert.True(t, flag)
	assert.Equal(t, req.SubtaskID, cancelled["subtask_id"])
}

func TestCancelWebSocketBroadcastsTaskCancel(t *testing.T) {
	e := newEnv(t)
	req := e.seedAssistant(t, event.ShellChat)
	d := New(router.New("http://chat", "http://manager"), e.svc, e.state, e.sender, nil, logger.Default())

	require.NoError(t, d.Cancel(context.Background(), req, "dev"))

	cancels := e.sender.byAction("task:cancel")
	require.Len(t, cancels, 1)
	assert.Equal(t, "device:1:dev", cancels[0].Room)
}
