package event

import "encoding/json"

// Shell types understood by the router. Anything else falls through to the
// executor manager.
const (
	ShellChat       = "Chat"
	ShellClaudeCode = "ClaudeCode"
	ShellAgno       = "Agno"
	ShellDify       = "Dify"
)

// Bot describes one agent participating in a request.
type Bot struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	ShellType    string          `json:"shell_type,omitempty"`
	AgentConfig  map[string]any  `json:"agent_config,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	MCPServers   json.RawMessage `json:"mcp_servers,omitempty"`
	Skills       []string        `json:"skills,omitempty"`
	Role         string          `json:"role,omitempty"`
	BaseImage    string          `json:"base_image,omitempty"`
}

// User identifies the requesting user and carries worker-side git credentials.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	GitToken string `json:"git_token,omitempty"`
	GitName  string `json:"git_name,omitempty"`
	GitEmail string `json:"git_email,omitempty"`
}

// Attachment is a descriptor only; workers download content by id. File bytes
// never travel inside the request.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// TableContext points a request at a structured data source.
type TableContext struct {
	TableID string `json:"table_id"`
	Name    string `json:"name,omitempty"`
}

// TraceContext carries W3C trace propagation headers into workers.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// Request is the self-describing unit of work sent to an executor.
type Request struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	MessageID int64  `json:"message_id"`

	ExecutorName      string `json:"executor_name,omitempty"`
	ExecutorNamespace string `json:"executor_namespace,omitempty"`

	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	ModelConfig  map[string]any `json:"model_config,omitempty"`
	Bots         []Bot          `json:"bot,omitempty"`
	User         User           `json:"user"`

	TeamID        string `json:"team_id,omitempty"`
	TeamNamespace string `json:"team_namespace,omitempty"`

	HistoryLimit int `json:"history_limit,omitempty"`

	EnableTools         bool `json:"enable_tools,omitempty"`
	EnableWebSearch     bool `json:"enable_web_search,omitempty"`
	EnableClarification bool `json:"enable_clarification,omitempty"`
	EnableDeepThinking  bool `json:"enable_deep_thinking,omitempty"`

	PreloadSkills    []string       `json:"preload_skills,omitempty"`
	IsSubscription   bool           `json:"is_subscription,omitempty"`
	KnowledgeBaseIDs []string       `json:"knowledge_base_ids,omitempty"`
	DocumentIDs      []string       `json:"document_ids,omitempty"`
	TableContexts    []TableContext `json:"table_contexts,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`

	AuthToken       string         `json:"auth_token,omitempty"`
	TaskToken       string         `json:"task_token,omitempty"`
	SystemMCPConfig map[string]any `json:"system_mcp_config,omitempty"`

	NewSession bool `json:"new_session,omitempty"`

	TraceContext *TraceContext `json:"trace_context,omitempty"`

	// RetryCount tracks push-queue redelivery. Internal to the queue.
	RetryCount int `json:"_retry_count,omitempty"`
}

// ShellType returns the first bot's shell type, defaulting to Chat when the
// bot list is empty or untyped.
func (r *Request) ShellType() string {
	if len(r.Bots) > 0 && r.Bots[0].ShellType != "" {
		return r.Bots[0].ShellType
	}
	return ShellChat
}

// Ref returns the subtask reference for events produced from this request.
func (r *Request) Ref() Ref {
	return Ref{TaskID: r.TaskID, SubtaskID: r.SubtaskID, MessageID: r.MessageID}
}

// ParseRequest decodes a request from JSON.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
