package event

import (
	"encoding/json"
	"strings"
)

// DoneSentinel is the optional end-of-stream marker some providers send.
const DoneSentinel = "[DONE]"

// EncodeSSE renders the event as a server-sent-events data frame.
func (e *Event) EncodeSSE() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// ParseSSELine decodes one line of an SSE stream. Returns (nil, nil) for
// blank lines, comments, non-data fields, and the [DONE] sentinel.
func ParseSSELine(line string) (*Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, ":") {
		return nil, nil
	}
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == DoneSentinel {
		return nil, nil
	}
	return Parse([]byte(payload))
}
