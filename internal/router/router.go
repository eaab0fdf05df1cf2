// Package router maps an execution request to a transport target. Pure
// lookup, no side effects.
package router

import (
	"fmt"

	"github.com/weibocom/agentflow/internal/event"
)

// Transport modes.
const (
	ModeSSE          = "sse"
	ModeWebSocket    = "websocket"
	ModeHTTPCallback = "http_callback"
)

// Target tells the dispatcher where and how to deliver a request.
type Target struct {
	Mode      string
	URL       string
	Endpoint  string
	Namespace string
	Event     string
	Room      string
}

// Address joins URL and endpoint for HTTP-style targets.
func (t Target) Address() string { return t.URL + t.Endpoint }

// Router is the pure routing table. Device-bound requests always win; then
// the first bot's shell type selects between the in-process chat provider
// (SSE) and the executor manager (HTTP + callback).
type Router struct {
	chatShellURL       string
	executorManagerURL string
}

// New creates a router bound to the two upstream base URLs.
func New(chatShellURL, executorManagerURL string) *Router {
	return &Router{chatShellURL: chatShellURL, executorManagerURL: executorManagerURL}
}

// Route resolves the target for a request. deviceID may be empty.
func (r *Router) Route(req *event.Request, deviceID string) Target {
	if deviceID != "" {
		return Target{
			Mode:      ModeWebSocket,
			Namespace: "/local-executor",
			Event:     "task:execute",
			Room:      fmt.Sprintf("device:%s:%s", req.User.ID, deviceID),
		}
	}
	switch req.ShellType() {
	case event.ShellChat:
		return Target{Mode: ModeSSE, URL: r.chatShellURL, Endpoint: "/v1/responses"}
	case event.ShellClaudeCode, event.ShellAgno, event.ShellDify:
		return Target{Mode: ModeHTTPCallback, URL: r.executorManagerURL, Endpoint: "/v1/execute"}
	default:
		// unknown shells go to the manager too
		return Target{Mode: ModeHTTPCallback, URL: r.executorManagerURL, Endpoint: "/v1/execute"}
	}
}

// CancelTarget returns the cancel address for a previously routed request.
func (r *Router) CancelTarget(req *event.Request, deviceID string) Target {
	t := r.Route(req, deviceID)
	switch t.Mode {
	case ModeWebSocket:
		t.Event = "task:cancel"
	default:
		t.Endpoint = "/v1/cancel"
	}
	return t
}
