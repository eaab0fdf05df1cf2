package builder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/auth"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/common/tracing"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/resource"
	"github.com/weibocom/agentflow/internal/secrets"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
	"github.com/weibocom/agentflow/internal/task/service"
)

type fixture struct {
	builder *Builder
	store   *resource.Store
	repo    repository.Repository
	svc     *service.Service
	secrets *secrets.MasterKeyProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sec, err := secrets.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	store := resource.NewStore()
	repo := repository.NewMemory()
	am := auth.NewManager("test-secret", time.Hour, time.Hour)
	b := New(store, repo, sec, am, Config{HistoryLimit: 10, SystemMCPURL: "http://backend/mcp"}, logger.Default())
	return &fixture{
		builder: b,
		store:   store,
		repo:    repo,
		svc:     service.New(repo, logger.Default()),
		secrets: sec,
	}
}

func (f *fixture) seedBot(t *testing.T, apiKey string) {
	t.Helper()
	sealed, err := f.secrets.EncryptString(apiKey)
	require.NoError(t, err)
	f.store.Seed(&resource.SeedFile{
		Ghosts: []*resource.Ghost{{ID: "g1", Name: "helper", OwnerID: resource.PublicOwner, SystemPrompt: "You are a helper."}},
		Shells: []*resource.Shell{{ID: "s1", Name: "chat", OwnerID: resource.PublicOwner, ShellType: "Chat"}},
		Models: []*resource.Model{
			{ID: "m-default", Name: "default-model", OwnerID: resource.PublicOwner,
				ModelConfig: map[string]any{"model": "default", "env": map[string]any{"OPENAI_API_KEY": sealed}}},
			{ID: "m-forced", Name: "forced-model", OwnerID: "u1",
				ModelConfig: map[string]any{"model": "forced-private"}},
			{ID: "m-forced", Name: "forced-model", OwnerID: resource.PublicOwner,
				ModelConfig: map[string]any{"model": "forced-public"}},
		},
		Bots: []*resource.Bot{{
			ID: "b1", Name: "bot", OwnerID: resource.PublicOwner,
			GhostRef: resource.Ref{Name: "helper"},
			ShellRef: resource.Ref{Name: "chat"},
			ModelRef: resource.Ref{Name: "default-model"},
			Skills:   []string{"search"},
		}},
	})
}

// seedTurn creates a task plus one user+assistant turn and returns the params.
func (f *fixture) seedTurn(t *testing.T, labels map[string]string) Params {
	t.Helper()
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, "u1", models.TaskSpec{Title: "t"}, labels)
	require.NoError(t, err)
	turn, err := f.svc.AppendTurn(ctx, service.TurnParams{
		TaskID: task.ID, UserID: "u1", Prompt: "hi there", TriggerAI: true, BotIDs: []string{"b1"},
	})
	require.NoError(t, err)
	return Params{
		Task:      task,
		Assistant: turn.Assistant,
		UserTurn:  turn.User,
		Requester: event.User{ID: "u1", Name: "alice"},
	}
}

func TestBuildBasicRequest(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk-test")
	p := f.seedTurn(t, nil)
	p.Attachments = []event.Attachment{{ID: "a1", Filename: "f.txt", Size: 3}}

	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, p.Task.ID, req.TaskID)
	assert.Equal(t, p.Assistant.ID, req.SubtaskID)
	assert.EqualValues(t, 1, req.MessageID)
	assert.Equal(t, "hi there", req.Prompt)
	assert.Equal(t, "You are a helper.", req.SystemPrompt)
	assert.NotEmpty(t, req.AuthToken)
	assert.NotEmpty(t, req.TaskToken)
	assert.Equal(t, 10, req.HistoryLimit)

	require.Len(t, req.Bots, 1)
	assert.Equal(t, "Chat", req.Bots[0].ShellType)
	assert.Equal(t, []string{"search"}, req.Bots[0].Skills)

	// default model chosen, api_key decrypted in the travelling config
	env := req.ModelConfig["env"].(map[string]any)
	assert.Equal(t, "sk-test", env["OPENAI_API_KEY"])
	assert.Equal(t, "default", req.ModelConfig["model"])

	require.Len(t, req.Attachments, 1)
	assert.Equal(t, "a1", req.Attachments[0].ID)
}

func TestBuildCarriesTraceContext(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	p := f.seedTurn(t, nil)

	// no active trace, no trace context on the wire
	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, req.TraceContext)

	const traceparent = "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
	ctx := tracing.Extract(context.Background(), traceparent, "vendor=agentflow")
	req, err = f.builder.Build(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, req.TraceContext)
	assert.Equal(t, traceparent, req.TraceContext.TraceParent)
	assert.Equal(t, "vendor=agentflow", req.TraceContext.TraceState)
}

func TestBuildForcedModelOverrideUsesChatUserScope(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	p := f.seedTurn(t, map[string]string{
		models.LabelForceOverrideBotModel: "true",
		models.LabelModelID:               "m-forced",
	})

	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "forced-private", req.ModelConfig["model"])

	// another requester without a private copy gets the public one
	p.Requester = event.User{ID: "u9"}
	req, err = f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "forced-public", req.ModelConfig["model"])
}

func TestBuildBindModelBeatsTaskModel(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	f.store.Seed(&resource.SeedFile{
		Models: []*resource.Model{{ID: "m-bound", Name: "bound-model", OwnerID: resource.PublicOwner,
			ModelConfig: map[string]any{"model": "bound"}}},
		Bots: []*resource.Bot{{
			ID: "b1", Name: "bot", OwnerID: resource.PublicOwner,
			GhostRef:    resource.Ref{Name: "helper"},
			ShellRef:    resource.Ref{Name: "chat"},
			ModelRef:    resource.Ref{Name: "default-model"},
			AgentConfig: map[string]any{"bind_model": "bound-model"},
		}},
	})
	p := f.seedTurn(t, nil)
	p.Task.Spec.ModelID = "m-forced"

	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "bound", req.ModelConfig["model"])
}

func TestBuildRetryOverrideDropsForcedLabel(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	p := f.seedTurn(t, map[string]string{
		models.LabelForceOverrideBotModel: "true",
		models.LabelModelID:               "m-forced",
	})
	p.UseModelOverride = true // empty OverrideModelID means bot default

	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "default", req.ModelConfig["model"])
}

func TestBuildAdditionalSkillsMerged(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	p := f.seedTurn(t, map[string]string{
		models.LabelAdditionalSkills: `["translate", "search", 7, ""]`,
	})

	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, req.Bots, 1)
	assert.Equal(t, []string{"search", "translate"}, req.Bots[0].Skills)
}

func TestBuildSubscriptionDirectiveAndMCP(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	p := f.seedTurn(t, map[string]string{models.LabelTaskType: TaskTypeSubscription})

	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, req.IsSubscription)
	assert.Contains(t, req.SystemPrompt, "<subscription_mode>")
	require.NotNil(t, req.SystemMCPConfig)
	assert.Equal(t, "http://backend/mcp", req.SystemMCPConfig["url"])
	assert.Equal(t, req.TaskToken, req.SystemMCPConfig["auth_token"])
}

func TestBuildStageConfirmationReplacesPrompt(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	p := f.seedTurn(t, nil)
	p.Assistant.Result = event.Result{
		"from_stage_confirmation": true,
		"confirmed_prompt":        "run stage two",
	}

	req, err := f.builder.Build(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "run stage two", req.Prompt)
	assert.True(t, req.NewSession)
}

func TestBuildPipelineTeamPicksMemberByIndex(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")
	f.store.Seed(&resource.SeedFile{
		Bots: []*resource.Bot{{
			ID: "b2", Name: "stage-two-bot", OwnerID: resource.PublicOwner,
			GhostRef: resource.Ref{Name: "helper"},
			ShellRef: resource.Ref{Name: "chat"},
			ModelRef: resource.Ref{Name: "default-model"},
		}},
		Teams: []*resource.Team{{
			ID: "t1", Name: "pipeline", Mode: resource.TeamModePipeline,
			Members: []resource.TeamMember{
				{BotID: "b1", Prompt: "You handle stage one."},
				{BotID: "b2", Prompt: "You handle stage two."},
			},
		}},
	})

	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, "u1", models.TaskSpec{TeamID: "t1"}, nil)
	require.NoError(t, err)

	// first turn selects member 0
	turn1, err := f.svc.AppendTurn(ctx, service.TurnParams{TaskID: task.ID, UserID: "u1", Prompt: "go", TriggerAI: true, TeamID: "t1"})
	require.NoError(t, err)
	req, err := f.builder.Build(ctx, Params{Task: task, Assistant: turn1.Assistant, UserTurn: turn1.User, Requester: event.User{ID: "u1"}})
	require.NoError(t, err)
	require.Len(t, req.Bots, 1)
	assert.Equal(t, "b1", req.Bots[0].ID)
	assert.Contains(t, req.SystemPrompt, "stage one")
	assert.Equal(t, "t1", req.TeamID)

	// second turn advances the pipeline index
	turn2, err := f.svc.AppendTurn(ctx, service.TurnParams{TaskID: task.ID, UserID: "u1", Prompt: "next", TriggerAI: true, TeamID: "t1"})
	require.NoError(t, err)
	req, err = f.builder.Build(ctx, Params{Task: task, Assistant: turn2.Assistant, UserTurn: turn2.User, Requester: event.User{ID: "u1"}})
	require.NoError(t, err)
	require.Len(t, req.Bots, 1)
	assert.Equal(t, "b2", req.Bots[0].ID)
	assert.Contains(t, req.SystemPrompt, "stage two")
}

func TestBuildAggregatesPreviousTurnValue(t *testing.T) {
	f := newFixture(t)
	f.seedBot(t, "sk")

	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, "u1", models.TaskSpec{}, nil)
	require.NoError(t, err)

	turn1, err := f.svc.AppendTurn(ctx, service.TurnParams{TaskID: task.ID, UserID: "u1", Prompt: "first", TriggerAI: true, BotIDs: []string{"b1"}})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetRunning(ctx, turn1.Assistant.ID))
	require.NoError(t, f.svc.CompleteSubtask(ctx, turn1.Assistant.ID, event.Result{"value": "stage one output"}))

	turn2, err := f.svc.AppendTurn(ctx, service.TurnParams{TaskID: task.ID, UserID: "u1", Prompt: "second", TriggerAI: true, BotIDs: []string{"b1"}})
	require.NoError(t, err)

	req, err := f.builder.Build(ctx, Params{Task: task, Assistant: turn2.Assistant, UserTurn: turn2.User, Requester: event.User{ID: "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "second\n\nstage one output", req.Prompt)
}
