// Package resource exposes typed views over the platform resource store:
// bots, ghosts, shells, models, and teams. The control plane only reads
// these; authoring lives in the resource API outside this repo.
package resource

import (
	"context"
	"errors"
)

// DefaultNamespace holds per-user resources. Any other namespace is a group
// namespace whose resources are visible to every member.
const DefaultNamespace = "default"

// PublicOwner is the owner sentinel for shared resources in the default
// namespace.
const PublicOwner = "0"

// ErrNotFound is returned when a resource cannot be resolved.
var ErrNotFound = errors.New("resource not found")

// Ref names a resource inside a namespace. An empty namespace means default.
type Ref struct {
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// IsZero reports whether the ref points at nothing.
func (r Ref) IsZero() bool { return r.Name == "" }

func (r Ref) namespace() string {
	if r.Namespace == "" {
		return DefaultNamespace
	}
	return r.Namespace
}

// Ghost carries the persona: the system prompt a bot speaks with.
type Ghost struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Namespace    string `yaml:"namespace,omitempty"`
	OwnerID      string `yaml:"owner_id,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

// Shell names the execution surface a bot runs on (Chat, ClaudeCode, ...).
type Shell struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace,omitempty"`
	OwnerID   string `yaml:"owner_id,omitempty"`
	ShellType string `yaml:"shell_type"`
	BaseImage string `yaml:"base_image,omitempty"`
}

// Model is a configured inference endpoint. ModelConfig is opaque to the
// control plane except for the env map, whose api_key entries are stored
// encrypted.
type Model struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Namespace   string         `yaml:"namespace,omitempty"`
	OwnerID     string         `yaml:"owner_id,omitempty"`
	ModelConfig map[string]any `yaml:"model_config,omitempty"`
}

// Bot ties a ghost, shell, and model together with per-bot agent config.
type Bot struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Namespace   string         `yaml:"namespace,omitempty"`
	OwnerID     string         `yaml:"owner_id,omitempty"`
	GhostRef    Ref            `yaml:"ghost,omitempty"`
	ShellRef    Ref            `yaml:"shell,omitempty"`
	ModelRef    Ref            `yaml:"model,omitempty"`
	AgentConfig map[string]any `yaml:"agent_config,omitempty"`
	Skills      []string       `yaml:"skills,omitempty"`
	Role        string         `yaml:"role,omitempty"`
}

// BindModel returns the model ref bound directly in agent_config, if any.
func (b *Bot) BindModel() string {
	if b.AgentConfig == nil {
		return ""
	}
	s, _ := b.AgentConfig["bind_model"].(string)
	return s
}

// Team modes.
const (
	TeamModePipeline   = "pipeline"
	TeamModeCoordinate = "coordinate"
)

// TeamMember pairs a bot with its member-specific prompt fragment.
type TeamMember struct {
	BotID  string `yaml:"bot_id"`
	Prompt string `yaml:"prompt,omitempty"`
}

// Team groups bots. In pipeline mode members take turns by pipeline index.
type Team struct {
	ID        string       `yaml:"id"`
	Name      string       `yaml:"name"`
	Namespace string       `yaml:"namespace,omitempty"`
	OwnerID   string       `yaml:"owner_id,omitempty"`
	Mode      string       `yaml:"mode,omitempty"`
	ModelRef  Ref          `yaml:"model,omitempty"`
	Members   []TeamMember `yaml:"members,omitempty"`
}

// Service is the read surface the request builder depends on. Resolve*
// methods apply namespace visibility: a non-default namespace is a group
// lookup with no owner filter; in the default namespace the owner's private
// resource wins over the public one.
type Service interface {
	GetBot(ctx context.Context, id string) (*Bot, error)
	GetTeam(ctx context.Context, id string) (*Team, error)
	ResolveGhost(ctx context.Context, ref Ref, ownerID string) (*Ghost, error)
	ResolveShell(ctx context.Context, ref Ref, ownerID string) (*Shell, error)
	ResolveModel(ctx context.Context, ref Ref, ownerID string) (*Model, error)
	GetModelByID(ctx context.Context, id, userID string) (*Model, error)
}
