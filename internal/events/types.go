// Package events defines the control plane's bus subjects and the plumbing
// that turns bus traffic into live socket pushes.
package events

// Task lifecycle event types.
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskStatusChanged = "task.status_changed"
)

// Turn lifecycle event types.
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
	TurnFailed    = "turn.failed"
)

// Device presence event types.
const (
	DeviceOnline  = "device.online"
	DeviceOffline = "device.offline"
)

// TaskStatusSubject addresses one task's status stream.
func TaskStatusSubject(taskID string) string {
	return TaskStatusChanged + "." + taskID
}

// TaskStatusWildcard subscribes to every task's status stream.
func TaskStatusWildcard() string {
	return TaskStatusChanged + ".*"
}
