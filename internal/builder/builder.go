// Package builder assembles execution requests from the persisted task
// graph: bot resolution, model override policy, team prompt flattening,
// token minting, and attachment descriptors.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/auth"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/common/tracing"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/resource"
	"github.com/weibocom/agentflow/internal/secrets"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
)

// TaskTypeSubscription marks background subscription runs in task labels.
const TaskTypeSubscription = "subscription"

// subscriptionDirective is appended to the system prompt of subscription
// runs so the agent knows it may exit silently.
const subscriptionDirective = "\n\n<subscription_mode>\n" +
	"This run was triggered by a schedule, not a user message. If there is " +
	"nothing worth reporting, exit silently by setting silent_exit in your " +
	"result instead of producing filler output.\n</subscription_mode>"

// Config carries the builder's static settings.
type Config struct {
	HistoryLimit int
	SystemMCPURL string
}

// Builder turns a pending assistant subtask into an ExecutionRequest.
type Builder struct {
	resources resource.Service
	repo      repository.Repository
	secrets   *secrets.MasterKeyProvider
	auth      *auth.Manager
	cfg       Config
	logger    *logger.Logger
}

// New creates a request builder.
func New(resources resource.Service, repo repository.Repository, sec *secrets.MasterKeyProvider, am *auth.Manager, cfg Config, log *logger.Logger) *Builder {
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 20
	}
	return &Builder{
		resources: resources,
		repo:      repo,
		secrets:   sec,
		auth:      am,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "request_builder")),
	}
}

// Flags are the per-request feature switches.
type Flags struct {
	EnableTools         bool
	EnableWebSearch     bool
	EnableClarification bool
	EnableDeepThinking  bool
}

// Params describes one build.
type Params struct {
	Task      *models.Task
	Assistant *models.Subtask
	UserTurn  *models.Subtask
	Requester event.User

	Flags            Flags
	Attachments      []event.Attachment
	KnowledgeBaseIDs []string
	DocumentIDs      []string
	TableContexts    []event.TableContext
	PreloadSkills    []string

	// Retry-time model override. When UseModelOverride is set an empty
	// OverrideModelID means "drop any forced override, use the bot default".
	UseModelOverride bool
	OverrideModelID  string
}

// Build assembles the request.
func (b *Builder) Build(ctx context.Context, p Params) (*event.Request, error) {
	if p.Task == nil || p.Assistant == nil || p.UserTurn == nil {
		return nil, fmt.Errorf("build: task, assistant, and user turn are required")
	}

	team, members, err := b.resolveTeam(ctx, p)
	if err != nil {
		return nil, err
	}

	bots, modelConfig, systemPrompt, err := b.resolveBots(ctx, p, team, members)
	if err != nil {
		return nil, err
	}

	prompt, newSession := b.aggregatePrompt(ctx, p)

	isSubscription := p.Task.Labels[models.LabelTaskType] == TaskTypeSubscription

	taskToken, err := b.auth.MintTaskToken(auth.TaskClaims{
		TaskID:    p.Task.ID,
		SubtaskID: p.Assistant.ID,
		UserID:    p.Requester.ID,
		UserName:  p.Requester.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("mint task token: %w", err)
	}
	authToken, err := b.auth.MintUserToken(auth.UserClaims{UserID: p.Requester.ID, UserName: p.Requester.Name})
	if err != nil {
		return nil, fmt.Errorf("mint user token: %w", err)
	}

	req := &event.Request{
		TaskID:    p.Task.ID,
		SubtaskID: p.Assistant.ID,
		MessageID: p.Assistant.MessageID,

		ExecutorName:      p.Assistant.ExecutorName,
		ExecutorNamespace: p.Assistant.ExecutorNamespace,

		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		ModelConfig:  modelConfig,
		Bots:         bots,
		User:         p.Requester,

		HistoryLimit: b.cfg.HistoryLimit,

		EnableTools:         p.Flags.EnableTools,
		EnableWebSearch:     p.Flags.EnableWebSearch,
		EnableClarification: p.Flags.EnableClarification,
		EnableDeepThinking:  p.Flags.EnableDeepThinking,

		PreloadSkills:    p.PreloadSkills,
		IsSubscription:   isSubscription,
		KnowledgeBaseIDs: p.KnowledgeBaseIDs,
		DocumentIDs:      p.DocumentIDs,
		TableContexts:    p.TableContexts,
		Attachments:      p.Attachments,

		AuthToken:  authToken,
		TaskToken:  taskToken,
		NewSession: newSession,
	}
	if team != nil {
		req.TeamID = team.ID
		req.TeamNamespace = team.Namespace
	}
	if isSubscription {
		req.SystemPrompt += subscriptionDirective
		req.SystemMCPConfig = map[string]any{
			"url":        b.cfg.SystemMCPURL,
			"auth_token": taskToken,
		}
	}
	// the executor resumes this trace through TRACEPARENT/TRACESTATE env
	if traceparent, tracestate := tracing.Inject(ctx); traceparent != "" {
		req.TraceContext = &event.TraceContext{
			TraceParent: traceparent,
			TraceState:  tracestate,
		}
	}
	return req, nil
}

// resolveTeam returns the task's team and, when the team runs in pipeline
// mode, the member the assistant's pipeline index selects (one-element
// slice); otherwise all members so resolveBots can pair them by bot index.
func (b *Builder) resolveTeam(ctx context.Context, p Params) (*resource.Team, []resource.TeamMember, error) {
	teamID := p.Task.Spec.TeamID
	if teamID == "" {
		teamID = p.Assistant.TeamID
	}
	if teamID == "" {
		return nil, nil, nil
	}
	team, err := b.resources.GetTeam(ctx, teamID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve team: %w", err)
	}
	if team.Mode != resource.TeamModePipeline || len(team.Members) == 0 {
		return team, team.Members, nil
	}

	total, err := b.repo.CountAssistantSubtasks(ctx, p.Task.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("count assistant turns: %w", err)
	}
	prior := total - 1
	if prior < 0 {
		prior = 0
	}
	member := team.Members[prior%len(team.Members)]
	return team, []resource.TeamMember{member}, nil
}

func (b *Builder) resolveBots(ctx context.Context, p Params, team *resource.Team, members []resource.TeamMember) ([]event.Bot, map[string]any, string, error) {
	botIDs := p.Assistant.BotIDs
	if len(botIDs) == 0 && team != nil && team.Mode == resource.TeamModePipeline && len(members) == 1 {
		botIDs = []string{members[0].BotID}
	}

	extraSkills := b.additionalSkills(p.Task)

	var (
		bots         []event.Bot
		firstConfig  map[string]any
		systemPrompt string
	)
	for i, botID := range botIDs {
		bot, err := b.resources.GetBot(ctx, botID)
		if err != nil {
			return nil, nil, "", fmt.Errorf("resolve bot: %w", err)
		}

		shellType, baseImage := "", ""
		if !bot.ShellRef.IsZero() {
			shell, err := b.resources.ResolveShell(ctx, bot.ShellRef, bot.OwnerID)
			if err != nil {
				return nil, nil, "", fmt.Errorf("resolve shell: %w", err)
			}
			shellType = shell.ShellType
			baseImage = shell.BaseImage
		}

		ghostPrompt := ""
		if !bot.GhostRef.IsZero() {
			ghost, err := b.resources.ResolveGhost(ctx, bot.GhostRef, bot.OwnerID)
			if err != nil {
				return nil, nil, "", fmt.Errorf("resolve ghost: %w", err)
			}
			ghostPrompt = ghost.SystemPrompt
		}

		model, err := b.selectModel(ctx, p, bot)
		if err != nil {
			return nil, nil, "", err
		}
		var cfg map[string]any
		if model != nil {
			cfg = cloneConfig(model.ModelConfig)
			if err := b.secrets.DecryptModelEnv(cfg); err != nil {
				return nil, nil, "", fmt.Errorf("decrypt model env: %w", err)
			}
		}
		if firstConfig == nil {
			firstConfig = cfg
		}

		memberPrompt := memberPromptFor(members, i, botID)
		botSystemPrompt := joinPrompts(ghostPrompt, memberPrompt)
		if systemPrompt == "" {
			systemPrompt = botSystemPrompt
		}

		bots = append(bots, event.Bot{
			ID:           bot.ID,
			Name:         bot.Name,
			ShellType:    shellType,
			AgentConfig:  cfg,
			SystemPrompt: botSystemPrompt,
			Skills:       mergeSkills(bot.Skills, extraSkills),
			Role:         bot.Role,
			BaseImage:    baseImage,
		})
	}
	return bots, firstConfig, systemPrompt, nil
}

// selectModel applies the override policy: retry payload override, then the
// forced task label, then the bot's bind_model, then the task-level model,
// then the bot default. A nil return means no model config travels.
func (b *Builder) selectModel(ctx context.Context, p Params, bot *resource.Bot) (*resource.Model, error) {
	if p.UseModelOverride {
		if p.OverrideModelID == "" {
			return b.botDefault(ctx, bot)
		}
		m, err := b.resources.GetModelByID(ctx, p.OverrideModelID, p.Requester.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve override model: %w", err)
		}
		return m, nil
	}

	labels := p.Task.Labels
	if labels[models.LabelForceOverrideBotModel] == "true" && labels[models.LabelModelID] != "" {
		// chat-user scope so per-user private overrides resolve
		m, err := b.resources.GetModelByID(ctx, labels[models.LabelModelID], p.Requester.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve forced model: %w", err)
		}
		return m, nil
	}

	if bind := bot.BindModel(); bind != "" {
		m, err := b.resources.ResolveModel(ctx, resource.Ref{Name: bind, Namespace: bot.Namespace}, bot.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("resolve bound model: %w", err)
		}
		return m, nil
	}

	if p.Task.Spec.ModelID != "" {
		m, err := b.resources.GetModelByID(ctx, p.Task.Spec.ModelID, p.Requester.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve task model: %w", err)
		}
		return m, nil
	}

	return b.botDefault(ctx, bot)
}

func (b *Builder) botDefault(ctx context.Context, bot *resource.Bot) (*resource.Model, error) {
	if bot.ModelRef.IsZero() {
		return nil, nil
	}
	m, err := b.resources.ResolveModel(ctx, bot.ModelRef, bot.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("resolve default model: %w", err)
	}
	return m, nil
}

// aggregatePrompt combines the user turn's prompt with the previous
// assistant turn's output. A stage-confirmation result replaces the whole
// prompt and restarts the session.
func (b *Builder) aggregatePrompt(ctx context.Context, p Params) (string, bool) {
	if r := p.Assistant.Result; r != nil && r.FromStageConfirmation() {
		return r.ConfirmedPrompt(), true
	}

	prompt := p.UserTurn.Prompt

	all, err := b.repo.ListSubtasksAfter(ctx, p.Task.ID, 0)
	if err != nil {
		b.logger.Warn("previous turn lookup failed", zap.Error(err))
		return prompt, false
	}
	var prev *models.Subtask
	for _, st := range all {
		if st.Role == models.RoleAssistant && st.MessageID < p.Assistant.MessageID {
			prev = st
		}
	}
	if prev == nil || prev.Result == nil {
		return prompt, false
	}
	if prev.Result.FromStageConfirmation() {
		return prev.Result.ConfirmedPrompt(), true
	}
	if v := prev.Result.Value(); v != "" {
		prompt = prompt + "\n\n" + v
	}
	return prompt, false
}

// additionalSkills parses the additionalSkills label, a JSON list of skill
// names, skipping non-string elements.
func (b *Builder) additionalSkills(task *models.Task) []string {
	raw := task.Labels[models.LabelAdditionalSkills]
	if raw == "" {
		return nil
	}
	var elems []any
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		b.logger.Warn("bad additionalSkills label", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	var skills []string
	for _, e := range elems {
		if s, ok := e.(string); ok && s != "" {
			skills = append(skills, s)
		}
	}
	return skills
}

func mergeSkills(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func memberPromptFor(members []resource.TeamMember, botIndex int, botID string) string {
	switch len(members) {
	case 0:
		return ""
	case 1:
		return members[0].Prompt
	}
	for _, m := range members {
		if m.BotID == botID {
			return m.Prompt
		}
	}
	if botIndex < len(members) {
		return members[botIndex].Prompt
	}
	return ""
}

func joinPrompts(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if inner, ok := v.(map[string]any); ok {
			ic := make(map[string]any, len(inner))
			for ik, iv := range inner {
				ic[ik] = iv
			}
			out[k] = ic
			continue
		}
		out[k] = v
	}
	return out
}
