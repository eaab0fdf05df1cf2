package websocket

// Socket namespaces.
const (
	NamespaceChat          = "/chat"
	NamespaceLocalExecutor = "/local-executor"
)

// Action names for socket messages. The wire protocol uses colon-separated
// "scope:verb" names on both namespaces.
const (
	// /chat namespace, client -> server
	ActionTaskJoin    = "task:join"
	ActionTaskLeave   = "task:leave"
	ActionChatSend    = "chat:send"
	ActionChatCancel  = "chat:cancel"
	ActionChatRetry   = "chat:retry"
	ActionChatResume  = "chat:resume"
	ActionHistorySync = "history:sync"

	// /chat namespace, server -> client
	ActionChatStart        = "chat:start"
	ActionChatChunk        = "chat:chunk"
	ActionChatMessage      = "chat:message"
	ActionChatBlockCreated = "chat:block_created"
	ActionChatBlockUpdated = "chat:block_updated"
	ActionChatDone         = "chat:done"
	ActionChatError        = "chat:error"
	ActionChatCancelled    = "chat:cancelled"
	ActionTaskStatus       = "task:status"
	ActionTaskUpdated      = "task:updated"

	// /local-executor namespace, client (device) -> server
	ActionDeviceRegister  = "device:register"
	ActionDeviceHeartbeat = "device:heartbeat"
	ActionDeviceStatus    = "device:status"
	ActionTaskProgress    = "task:progress"
	ActionTaskComplete    = "task:complete"

	// /local-executor namespace, server -> device
	ActionTaskExecute = "task:execute"
	ActionTaskCancel  = "task:cancel"
)

// Error codes carried in error responses.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
