package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Message is one entry of the per-task session history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamingOwner records which subtask (and which user) currently owns a
// task's live stream. Relevant for multi-member rooms.
type StreamingOwner struct {
	SubtaskID string `json:"subtask_id"`
	UserID    string `json:"user_id"`
}

// StreamDone is the control message published on a stream channel when the
// producer finishes.
type StreamDone struct {
	Type   string         `json:"__type__"`
	Result map[string]any `json:"result,omitempty"`
}

// StreamDoneType marks the terminal control message on a stream channel.
const StreamDoneType = "STREAM_DONE"

// AppendHistory appends one message to the task's session log and truncates
// it to the configured tail for token safety.
func (s *Store) AppendHistory(ctx context.Context, taskID string, msg Message) error {
	key := historyKey(taskID)

	msgs, err := s.History(ctx, taskID)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	if len(msgs) > s.cfg.HistoryMaxMessages {
		msgs = msgs[len(msgs)-s.cfg.HistoryMaxMessages:]
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return s.rdb.Set(ctx, key, data, s.cfg.HistoryTTL).Err()
}

// History returns the task's session log, oldest first.
func (s *Store) History(ctx context.Context, taskID string) ([]Message, error) {
	data, err := s.rdb.Get(ctx, historyKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return msgs, nil
}

// DeleteHistory drops the session log (new_session semantics).
func (s *Store) DeleteHistory(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, historyKey(taskID)).Err()
}

// SetStreamingText overwrites the replay cache with the accumulated text of
// a live stream. Called on every chunk.
func (s *Store) SetStreamingText(ctx context.Context, subtaskID, text string) error {
	return s.rdb.Set(ctx, streamingKey(subtaskID), text, s.cfg.StreamingTTL).Err()
}

// StreamingText returns the accumulated text cached for a subtask.
func (s *Store) StreamingText(ctx context.Context, subtaskID string) (string, error) {
	v, err := s.rdb.Get(ctx, streamingKey(subtaskID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// DeleteStreamingText removes the replay cache. Called on any terminal.
func (s *Store) DeleteStreamingText(ctx context.Context, subtaskID string) error {
	return s.rdb.Del(ctx, streamingKey(subtaskID)).Err()
}

// PublishChunk pushes one chunk payload on the subtask's stream channel for
// cross-replica subscribers.
func (s *Store) PublishChunk(ctx context.Context, subtaskID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.rdb.Publish(ctx, streamChannel(subtaskID), data).Err()
}

// PublishStreamDone publishes the terminal control message on the stream
// channel.
func (s *Store) PublishStreamDone(ctx context.Context, subtaskID string, result map[string]any) error {
	data, err := json.Marshal(StreamDone{Type: StreamDoneType, Result: result})
	if err != nil {
		return fmt.Errorf("marshal stream done: %w", err)
	}
	return s.rdb.Publish(ctx, streamChannel(subtaskID), data).Err()
}

// SubscribeStream subscribes to a subtask's live chunk channel. The caller
// owns the returned PubSub and must Close it.
func (s *Store) SubscribeStream(ctx context.Context, subtaskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, streamChannel(subtaskID))
}

// SetStreamingOwner records who owns the task's live stream.
func (s *Store) SetStreamingOwner(ctx context.Context, taskID string, owner StreamingOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("marshal streaming owner: %w", err)
	}
	return s.rdb.Set(ctx, taskStreamingKey(taskID), data, s.cfg.TaskStreamingTTL).Err()
}

// StreamingOwner returns the current stream owner, or nil when idle.
func (s *Store) StreamingOwner(ctx context.Context, taskID string) (*StreamingOwner, error) {
	data, err := s.rdb.Get(ctx, taskStreamingKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var owner StreamingOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("unmarshal streaming owner: %w", err)
	}
	return &owner, nil
}

// ClearStreamingOwner drops the stream ownership marker.
func (s *Store) ClearStreamingOwner(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, taskStreamingKey(taskID)).Err()
}
