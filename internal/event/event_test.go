package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnknownTypeBecomesChunk(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"mystery","task_id":"42","content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeChunk, ev.Type)
	assert.Equal(t, "hi", ev.Content)
	assert.Equal(t, "42", ev.TaskID)
}

func TestParseMissingTypeBecomesChunk(t *testing.T) {
	ev, err := Parse([]byte(`{"content":"delta"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeChunk, ev.Type)
}

func TestTerminal(t *testing.T) {
	assert.True(t, TypeDone.Terminal())
	assert.True(t, TypeError.Terminal())
	assert.True(t, TypeCancelled.Terminal())
	assert.False(t, TypeChunk.Terminal())
	assert.False(t, TypeStart.Terminal())
	assert.False(t, TypeProgress.Terminal())
}

func TestEventJSONRoundTrip(t *testing.T) {
	ref := Ref{TaskID: "42", SubtaskID: "7", MessageID: 3}
	orig := NewDone(ref, Result{"value": "hello", "thinking": "t"}, 5)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, orig.Type, back.Type)
	assert.Equal(t, orig.TaskID, back.TaskID)
	assert.Equal(t, orig.SubtaskID, back.SubtaskID)
	assert.Equal(t, orig.MessageID, back.MessageID)
	assert.Equal(t, "hello", back.Result.Value())
	assert.Equal(t, "t", back.Result.Thinking())
	assert.Equal(t, 5, back.Offset)
}

func TestSSERoundTrip(t *testing.T) {
	ref := Ref{TaskID: "42", SubtaskID: "7", MessageID: 3}
	orig := NewChunk(ref, "he", 0)

	frame, err := orig.EncodeSSE()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "data: ")

	back, err := ParseSSELine(string(frame[:len(frame)-2]))
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, TypeChunk, back.Type)
	assert.Equal(t, "he", back.Content)
	assert.Equal(t, 0, back.Offset)
}

func TestParseSSELineSentinelAndNoise(t *testing.T) {
	for _, line := range []string{"", ": keepalive", "event: ping", "data: [DONE]", "data:"} {
		ev, err := ParseSSELine(line)
		require.NoError(t, err, line)
		assert.Nil(t, ev, line)
	}
}

func TestRequestJSONRoundTrip(t *testing.T) {
	req := &Request{
		TaskID: "42", SubtaskID: "7", MessageID: 3,
		Prompt: "hi",
		Bots: []Bot{{
			ID: "b1", ShellType: ShellClaudeCode,
			AgentConfig: map[string]any{"bind_model": "m1"},
			Skills:      []string{"search"},
			BaseImage:   "python:3.12",
		}},
		User:         User{ID: "1", Name: "alice"},
		Attachments:  []Attachment{{ID: "a1", Filename: "r.pdf", MimeType: "application/pdf", Size: 10}},
		TraceContext: &TraceContext{TraceParent: "00-aaa-bbb-01"},
		RetryCount:   1,
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	back, err := ParseRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, back)
}

func TestShellTypeDefaults(t *testing.T) {
	assert.Equal(t, ShellChat, (&Request{}).ShellType())
	assert.Equal(t, ShellChat, (&Request{Bots: []Bot{{}}}).ShellType())
	assert.Equal(t, ShellDify, (&Request{Bots: []Bot{{ShellType: ShellDify}}}).ShellType())
}

func TestResultViews(t *testing.T) {
	r := Result{"value": "v", "silent_exit": true}
	r.SetLastEmittedOffset(4)
	assert.Equal(t, "v", r.Value())
	assert.True(t, r.SilentExit())
	assert.Equal(t, 4, r.LastEmittedOffset())

	wire := r.WithoutInternal()
	assert.Equal(t, "v", wire.Value())
	_, leaked := wire["_last_emitted_offset"]
	assert.False(t, leaked)

	// decoded-from-JSON offsets arrive as float64
	var decoded Result
	require.NoError(t, json.Unmarshal([]byte(`{"_last_emitted_offset":7}`), &decoded))
	assert.Equal(t, 7, decoded.LastEmittedOffset())
}
