package store

import "fmt"

// Key layout. Every key the control plane writes is declared here so the
// map stays reviewable in one place.
const (
	StartupLockKey        = "startup_lock"
	StartupDoneKey        = "startup_done"
	HeartbeatCheckLockKey = "lock:task_heartbeat_check"

	runningTasksKey = "running_tasks:heartbeat"
)

func historyKey(taskID string) string       { return "chat:history:" + taskID }
func streamingKey(subtaskID string) string  { return "chat:streaming:" + subtaskID }
func streamChannel(subtaskID string) string { return "chat:stream_channel:" + subtaskID }
func cancelKey(subtaskID string) string     { return "chat:cancel:" + subtaskID }
func taskStreamingKey(taskID string) string { return "chat:task_streaming:" + taskID }
func heartbeatKey(taskID string) string     { return "sandbox:heartbeat:" + taskID }
func runningMetaKey(taskID string) string   { return "running_task:meta:" + taskID }
func executionKey(executionID string) string {
	return "subscription:execution:" + executionID
}

func queueKey(class QueueClass, pool string) string {
	if pool == "" {
		pool = "default"
	}
	return fmt.Sprintf("task_queue:%s:%s", class, pool)
}
