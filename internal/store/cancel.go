package store

import "context"

// Stream cancellation flags. The flag is consulted on the streaming hot path
// at every loop iteration, so reads must stay single-key GETs.

// RegisterStream arms the cancellation flag for a subtask in the "not
// cancelled" state.
func (s *Store) RegisterStream(ctx context.Context, subtaskID string) error {
	return s.rdb.Set(ctx, cancelKey(subtaskID), "0", s.cfg.CancelTTL).Err()
}

// CancelStream flips the flag so in-process producers abort at their next
// suspension point.
func (s *Store) CancelStream(ctx context.Context, subtaskID string) error {
	return s.rdb.Set(ctx, cancelKey(subtaskID), "1", s.cfg.CancelTTL).Err()
}

// IsCancelled reports whether the subtask's stream has been cancelled. A
// missing flag reads as not cancelled.
func (s *Store) IsCancelled(ctx context.Context, subtaskID string) (bool, error) {
	v, err := s.GetFlag(ctx, cancelKey(subtaskID))
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// UnregisterStream removes the flag once the stream has fully terminated.
func (s *Store) UnregisterStream(ctx context.Context, subtaskID string) error {
	return s.rdb.Del(ctx, cancelKey(subtaskID)).Err()
}
