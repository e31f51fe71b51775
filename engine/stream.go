package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// The backend emits one of three wire shapes: a single JSON result object,
// a stream of newline-delimited JSON events, or plain text. They are
// represented as an explicit tag here instead of ad hoc type checks at the
// call sites.
type wireKind int

const (
	wireText wireKind = iota
	wireJSON
	wireStream
)

type resultPayload struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
}

func detectWireKind(raw []byte) wireKind {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return wireText
	}
	var one map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &one); err == nil {
		return wireJSON
	}
	// Multiple JSON lines: a captured stream.
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			return wireText
		}
	}
	return wireStream
}

// decodeOutput normalizes captured backend output into a Result. Plain text
// passes through verbatim.
func decodeOutput(raw []byte) Result {
	switch detectWireKind(raw) {
	case wireJSON:
		var p resultPayload
		if err := json.Unmarshal(bytes.TrimSpace(raw), &p); err == nil {
			text := p.Result
			return Result{Text: strings.TrimSpace(text), SessionID: p.SessionID, IsError: p.IsError}
		}
		return Result{Text: strings.TrimSpace(string(raw))}
	case wireStream:
		acc := &streamAccumulator{}
		for _, line := range bytes.Split(raw, []byte("\n")) {
			acc.feedLine(line)
		}
		return acc.result()
	default:
		return Result{Text: strings.TrimSpace(string(raw))}
	}
}

// streamAccumulator folds stream events into a final Result while emitting
// throttled progress notices. Text deltas are collected as a fallback in
// case the stream ends without a result event.
type streamAccumulator struct {
	onProgress   func(string)
	lastProgress time.Time

	sessionID string
	deltas    strings.Builder
	finalText string
	sawFinal  bool
	isError   bool
}

func (a *streamAccumulator) feedLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.SessionID != "" {
		a.sessionID = ev.SessionID
	}
	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, c := range ev.Message.Content {
			switch c.Type {
			case "text":
				a.deltas.WriteString(c.Text)
				a.progress(firstLine(c.Text))
			case "tool_use":
				if c.Name != "" {
					a.progress("using " + c.Name)
				}
			}
		}
	case "result":
		a.finalText = ev.Result
		a.sawFinal = true
		a.isError = ev.IsError
	}
}

func (a *streamAccumulator) progress(step string) {
	if a.onProgress == nil {
		return
	}
	step = strings.TrimSpace(step)
	if step == "" {
		return
	}
	now := time.Now()
	if !a.lastProgress.IsZero() && now.Sub(a.lastProgress) < progressInterval {
		return
	}
	a.lastProgress = now
	a.onProgress(step)
}

func (a *streamAccumulator) result() Result {
	text := a.finalText
	if !a.sawFinal {
		text = a.deltas.String()
	}
	return Result{
		Text:      strings.TrimSpace(text),
		SessionID: a.sessionID,
		IsError:   a.isError,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
