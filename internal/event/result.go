package event

// Result is the free-form result bag carried by done events and persisted on
// subtasks. It stays opaque JSON at the boundary; these accessors are the
// typed views used inside the core.
type Result map[string]any

// Bookkeeping key for device-relayed streams: how much of the accumulated
// value has already been emitted as chunks. Internal only; must never appear
// in outgoing chat:chunk payloads.
const lastEmittedOffsetKey = "_last_emitted_offset"

// Value returns the accumulated response text.
func (r Result) Value() string {
	s, _ := r["value"].(string)
	return s
}

// Thinking returns the accumulated thinking text, if any.
func (r Result) Thinking() string {
	s, _ := r["thinking"].(string)
	return s
}

// Workbench returns the opaque workbench payload, if any.
func (r Result) Workbench() any {
	return r["workbench"]
}

// SilentExit reports whether a subscription run decided to exit without
// producing user-visible output.
func (r Result) SilentExit() bool {
	b, _ := r["silent_exit"].(bool)
	return b
}

// FromStageConfirmation reports whether the result came from a confirmed
// pipeline stage, which restarts the session with the confirmed prompt.
func (r Result) FromStageConfirmation() bool {
	b, _ := r["from_stage_confirmation"].(bool)
	return b
}

// ConfirmedPrompt returns the prompt confirmed by the user for the next
// pipeline stage.
func (r Result) ConfirmedPrompt() string {
	s, _ := r["confirmed_prompt"].(string)
	return s
}

// Streaming reports whether the result still belongs to a live stream.
func (r Result) Streaming() bool {
	b, _ := r["streaming"].(bool)
	return b
}

// LastEmittedOffset returns how many bytes of Value have been emitted.
func (r Result) LastEmittedOffset() int {
	switch v := r[lastEmittedOffsetKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SetValue stores the accumulated response text.
func (r Result) SetValue(v string) { r["value"] = v }

// SetLastEmittedOffset records the emitted prefix length.
func (r Result) SetLastEmittedOffset(n int) { r[lastEmittedOffsetKey] = n }

// WithoutInternal returns a copy with bookkeeping keys stripped, safe to put
// on the wire.
func (r Result) WithoutInternal() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	for k, v := range r {
		if k == lastEmittedOffsetKey {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
