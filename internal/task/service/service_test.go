package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
)

func newService(t *testing.T) (*Service, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemory()
	return New(repo, logger.Default()), repo
}

func createTaskWithTurn(t *testing.T, svc *Service) (*models.Task, *Turn) {
	t.Helper()
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "u1", models.TaskSpec{TeamID: "team1"}, nil)
	require.NoError(t, err)
	turn, err := svc.AppendTurn(ctx, TurnParams{
		TaskID: task.ID, UserID: "u1", Prompt: "hi", TriggerAI: true, TeamID: "team1",
	})
	require.NoError(t, err)
	return task, turn
}

func TestAppendTurnPairsMessageIDs(t *testing.T) {
	svc, _ := newService(t)
	_, turn := createTaskWithTurn(t, svc)

	require.NotNil(t, turn.Assistant)
	assert.EqualValues(t, 1, turn.User.MessageID)
	assert.EqualValues(t, 1, turn.Assistant.MessageID)
	assert.EqualValues(t, turn.User.MessageID, turn.Assistant.ParentID)
	assert.Equal(t, models.StatusPending, turn.Assistant.Status)
	assert.Equal(t, models.StatusCompleted, turn.User.Status)
}

func TestMessageIDMonotonic(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task, _ := createTaskWithTurn(t, svc)

	turn2, err := svc.AppendTurn(ctx, TurnParams{TaskID: task.ID, UserID: "u1", Prompt: "again", TriggerAI: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, turn2.User.MessageID)
	assert.EqualValues(t, 2, turn2.Assistant.MessageID)
}

func TestCompleteDerivesTaskMirror(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task, turn := createTaskWithTurn(t, svc)

	require.NoError(t, svc.SetRunning(ctx, turn.Assistant.ID))
	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status.Status)

	require.NoError(t, svc.CompleteSubtask(ctx, turn.Assistant.ID, event.Result{"value": "hello"}))
	got, err = svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status.Status)
	assert.Equal(t, 100, got.Status.Progress)
	assert.Equal(t, "hello", got.Status.Result.Value())
	assert.NotNil(t, got.Status.CompletedAt)
}

func TestFailDerivesTaskMirror(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task, turn := createTaskWithTurn(t, svc)

	require.NoError(t, svc.SetRunning(ctx, turn.Assistant.ID))
	require.NoError(t, svc.FailSubtask(ctx, turn.Assistant.ID, "image pull failed"))

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status.Status)
	assert.Equal(t, "image pull failed", got.Status.ErrorMessage)
}

func TestTerminalTransitionWriteOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, turn := createTaskWithTurn(t, svc)

	require.NoError(t, svc.CompleteSubtask(ctx, turn.Assistant.ID, event.Result{"value": "first"}))
	// second terminal is ignored
	require.NoError(t, svc.FailSubtask(ctx, turn.Assistant.ID, "late error"))

	st, err := svc.GetSubtask(ctx, turn.Assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, "first", st.Result.Value())
	assert.Empty(t, st.ErrorMessage)
}

func TestCancelKeepsPartialAsCompleted(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, turn := createTaskWithTurn(t, svc)

	require.NoError(t, svc.SetRunning(ctx, turn.Assistant.ID))
	require.NoError(t, svc.CancelSubtask(ctx, turn.Assistant.ID, "he"))

	st, err := svc.GetSubtask(ctx, turn.Assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, "he", st.Result.Value())
}

func TestResetForRetrySameID(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task, turn := createTaskWithTurn(t, svc)

	require.NoError(t, svc.SetRunning(ctx, turn.Assistant.ID))
	require.NoError(t, svc.FailSubtask(ctx, turn.Assistant.ID, "boom"))

	retry, err := svc.ResetForRetry(ctx, task.ID, turn.Assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, turn.Assistant.ID, retry.Assistant.ID)
	assert.Equal(t, turn.User.ID, retry.User.ID)
	assert.Equal(t, models.StatusPending, retry.Assistant.Status)
	assert.Nil(t, retry.Assistant.Result)
	assert.Empty(t, retry.Assistant.ErrorMessage)
	assert.EqualValues(t, turn.User.MessageID, retry.Assistant.MessageID)

	// no new subtask rows
	subs, err := svc.HistorySince(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestResetForRetryRejectsNonFailed(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task, turn := createTaskWithTurn(t, svc)

	_, err := svc.ResetForRetry(ctx, task.ID, turn.Assistant.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = svc.ResetForRetry(ctx, task.ID, turn.User.ID)
	assert.ErrorIs(t, err, ErrNotAssistant)
}

func TestRequireAccess(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	task, _ := createTaskWithTurn(t, svc)

	assert.NoError(t, svc.RequireAccess(ctx, task.ID, "u1"))
	assert.ErrorIs(t, svc.RequireAccess(ctx, task.ID, "u2"), ErrPermission)

	require.NoError(t, repo.ShareTask(ctx, task.ID, "u2"))
	assert.NoError(t, svc.RequireAccess(ctx, task.ID, "u2"))

	require.NoError(t, repo.AddMember(ctx, task.ID, "u3", true))
	assert.NoError(t, svc.RequireAccess(ctx, task.ID, "u3"))

	require.NoError(t, repo.AddMember(ctx, task.ID, "u4", false))
	assert.ErrorIs(t, svc.RequireAccess(ctx, task.ID, "u4"), ErrPermission)
}

func TestHistorySince(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	task, _ := createTaskWithTurn(t, svc)
	_, err := svc.AppendTurn(ctx, TurnParams{TaskID: task.ID, UserID: "u1", Prompt: "two", TriggerAI: true})
	require.NoError(t, err)

	subs, err := svc.HistorySince(ctx, task.ID, 1)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.EqualValues(t, 2, subs[0].MessageID)
	assert.Equal(t, models.RoleUser, subs[0].Role)
	assert.Equal(t, models.RoleAssistant, subs[1].Role)
}
