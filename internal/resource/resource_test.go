package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore() *Store {
	s := NewStore()
	s.Seed(&SeedFile{
		Ghosts: []*Ghost{
			{ID: "g1", Name: "helper", OwnerID: PublicOwner, SystemPrompt: "public helper"},
			{ID: "g2", Name: "helper", OwnerID: "u1", SystemPrompt: "private helper"},
			{ID: "g3", Name: "reviewer", Namespace: "team-eng", SystemPrompt: "group reviewer"},
		},
		Shells: []*Shell{
			{ID: "s1", Name: "chat", OwnerID: PublicOwner, ShellType: "Chat"},
		},
		Models: []*Model{
			{ID: "m1", Name: "gpt", OwnerID: PublicOwner, ModelConfig: map[string]any{"model": "gpt-public"}},
			{ID: "m1", Name: "gpt", OwnerID: "u1", ModelConfig: map[string]any{"model": "gpt-private"}},
		},
		Bots: []*Bot{
			{ID: "b1", Name: "bot", GhostRef: Ref{Name: "helper"}, ShellRef: Ref{Name: "chat"},
				AgentConfig: map[string]any{"bind_model": "gpt"}},
		},
		Teams: []*Team{
			{ID: "t1", Name: "eng", Mode: TeamModePipeline, Members: []TeamMember{{BotID: "b1", Prompt: "step one"}}},
		},
	})
	return s
}

func TestDefaultNamespacePrefersPrivate(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	g, err := s.ResolveGhost(ctx, Ref{Name: "helper"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, "private helper", g.SystemPrompt)

	g, err = s.ResolveGhost(ctx, Ref{Name: "helper"}, "u2")
	require.NoError(t, err)
	assert.Equal(t, "public helper", g.SystemPrompt)
}

func TestGroupNamespaceIgnoresOwner(t *testing.T) {
	s := seededStore()

	g, err := s.ResolveGhost(context.Background(), Ref{Name: "reviewer", Namespace: "team-eng"}, "anyone")
	require.NoError(t, err)
	assert.Equal(t, "group reviewer", g.SystemPrompt)

	_, err = s.ResolveGhost(context.Background(), Ref{Name: "missing", Namespace: "team-eng"}, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetModelByIDScope(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	m, err := s.GetModelByID(ctx, "m1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-private", m.ModelConfig["model"])

	m, err = s.GetModelByID(ctx, "m1", "u9")
	require.NoError(t, err)
	assert.Equal(t, "gpt-public", m.ModelConfig["model"])

	_, err = s.GetModelByID(ctx, "nope", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBotBindModel(t *testing.T) {
	s := seededStore()
	b, err := s.GetBot(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "gpt", b.BindModel())

	_, err = s.GetBot(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	seed := `
shells:
  - id: s9
    name: claude
    shell_type: ClaudeCode
    base_image: worker:latest
teams:
  - id: t9
    name: pipeline
    mode: pipeline
    members:
      - bot_id: b1
        prompt: "first stage"
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	s := NewStore()
	require.NoError(t, s.LoadFile(path))

	sh, err := s.ResolveShell(context.Background(), Ref{Name: "claude"}, "")
	require.NoError(t, err)
	assert.Equal(t, "ClaudeCode", sh.ShellType)
	assert.Equal(t, "worker:latest", sh.BaseImage)

	team, err := s.GetTeam(context.Background(), "t9")
	require.NoError(t, err)
	require.Len(t, team.Members, 1)
	assert.Equal(t, "first stage", team.Members[0].Prompt)
}
