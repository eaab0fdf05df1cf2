package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weibocom/agentflow/internal/event"
)

// script is a canned response stream. play stops early when the writer
// reports a dead client and always ends with exactly one terminal event
// unless the stream was cancelled mid-flight.
type script interface {
	play(w *sseWriter, ref event.Ref)
}

// scriptFor picks a scenario from the prompt. The prompt's first word is the
// command; everything else falls through to the plain text scenario.
func scriptFor(prompt string) script {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(prompt), " ")
	switch strings.ToLower(cmd) {
	case "error":
		return errorScript{message: rest}
	case "slow":
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			d = 5 * time.Second
		}
		return slowScript{total: d}
	case "tools":
		return toolScript{}
	case "thinking":
		return thinkingScript{}
	default:
		return textScript{prompt: prompt}
	}
}

// textScript streams a short markdown answer in word-sized chunks.
type textScript struct {
	prompt string
}

func (s textScript) play(w *sseWriter, ref event.Ref) {
	text := fmt.Sprintf("You said: %q.\n\nHere is a **mock** reply streamed chunk by chunk.", s.prompt)
	streamText(w, ref, text)
}

// errorScript emits a couple of chunks and then fails.
type errorScript struct {
	message string
}

func (s errorScript) play(w *sseWriter, ref event.Ref) {
	if s.message == "" {
		s.message = "mock execution failure"
	}
	if !w.send(event.NewChunk(ref, "Working on it...", 0)) {
		finish(w, ref, "")
		return
	}
	w.send(event.NewError(ref, s.message))
}

// slowScript spreads ten chunks over the requested duration. Useful for
// exercising cancellation and heartbeat timeouts by hand.
type slowScript struct {
	total time.Duration
}

func (s slowScript) play(w *sseWriter, ref event.Ref) {
	const steps = 10
	pause := s.total / steps
	var text strings.Builder
	for i := 1; i <= steps; i++ {
		select {
		case <-w.ctx.Done():
			w.sendNow(event.NewCancelled(ref))
			return
		case <-time.After(pause):
		}
		chunk := fmt.Sprintf("step %d/%d\n", i, steps)
		if !w.send(event.NewChunk(ref, chunk, text.Len())) {
			finish(w, ref, text.String())
			return
		}
		text.WriteString(chunk)
		w.send(event.NewProgress(ref, i*100/steps, "working"))
	}
	w.send(event.NewDone(ref, event.Result{"response": text.String()}, text.Len()))
}

// toolScript simulates a tool round trip before answering.
type toolScript struct{}

func (s toolScript) play(w *sseWriter, ref event.Ref) {
	input, _ := json.Marshal(map[string]string{"query": "mock data"})
	output, _ := json.Marshal(map[string]any{"rows": 3})
	now := time.Now().UTC()

	ok := w.send(&event.Event{
		Type: event.TypeToolStart, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
		ToolUseID: "tool-1", ToolName: "search", ToolInput: input,
		ToolDisplay: "Searching mock data", Timestamp: now,
	})
	if ok {
		ok = w.send(&event.Event{
			Type: event.TypeToolResult, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
			ToolUseID: "tool-1", ToolName: "search", ToolOutput: output,
			Data: map[string]any{"status": "success"}, Timestamp: time.Now().UTC(),
		})
	}
	if !ok {
		finish(w, ref, "")
		return
	}
	streamText(w, ref, "Found 3 rows in the mock dataset.")
}

// thinkingScript interleaves thinking deltas with the visible answer.
type thinkingScript struct{}

func (s thinkingScript) play(w *sseWriter, ref event.Ref) {
	for _, t := range []string{"Considering the question... ", "Checking assumptions... "} {
		if !w.send(&event.Event{
			Type: event.TypeThinking, TaskID: ref.TaskID, SubtaskID: ref.SubtaskID, MessageID: ref.MessageID,
			Content: t, Timestamp: time.Now().UTC(),
		}) {
			finish(w, ref, "")
			return
		}
	}
	streamText(w, ref, "After thinking it over: the answer is 42.")
}

// streamText chunks text word by word and closes with done carrying the
// full response.
func streamText(w *sseWriter, ref event.Ref, text string) {
	offset := 0
	for _, word := range strings.SplitAfter(text, " ") {
		if !w.send(event.NewChunk(ref, word, offset)) {
			finish(w, ref, text[:offset])
			return
		}
		offset += len(word)
	}
	w.send(event.NewDone(ref, event.Result{"response": text}, len(text)))
}

// finish terminates a broken stream: cancelled when the stream context was
// cancelled, otherwise done with whatever text made it out.
func finish(w *sseWriter, ref event.Ref, partial string) {
	if w.cancelled() {
		w.sendNow(event.NewCancelled(ref))
		return
	}
	w.send(event.NewDone(ref, event.Result{"response": partial}, len(partial)))
}
