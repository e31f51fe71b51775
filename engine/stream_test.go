package engine

import (
	"strings"
	"testing"
)

func TestDecodeOutputJSONResult(t *testing.T) {
	t.Parallel()

	raw := `{"type":"result","subtype":"success","result":"answer","session_id":"s9","is_error":false}`
	res := decodeOutput([]byte(raw))
	if res.Text != "answer" || res.SessionID != "s9" || res.IsError {
		t.Fatalf("decodeOutput() = %+v", res)
	}
}

func TestDecodeOutputStream(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s2"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`,
		`{"type":"result","result":"final answer","session_id":"s2","is_error":false}`,
	}, "\n")
	res := decodeOutput([]byte(raw))
	if res.Text != "final answer" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.SessionID != "s2" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
	if res.IsError {
		t.Error("unexpected IsError")
	}
}

func TestDecodeOutputStreamWithoutResultEvent(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s3"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"partial "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"text"}]}}`,
	}, "\n")
	res := decodeOutput([]byte(raw))
	if res.Text != "partial text" {
		t.Errorf("Text = %q, want accumulated deltas", res.Text)
	}
	if res.SessionID != "s3" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
}

func TestDecodeOutputPlainText(t *testing.T) {
	t.Parallel()

	res := decodeOutput([]byte("  just some text\nsecond line  "))
	if res.Text != "just some text\nsecond line" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.SessionID != "" || res.IsError {
		t.Errorf("decodeOutput() = %+v", res)
	}
}

func TestStreamProgressThrottled(t *testing.T) {
	t.Parallel()

	var calls []string
	acc := &streamAccumulator{onProgress: func(s string) { calls = append(calls, s) }}
	// Burst of events inside one throttle window: only the first fires.
	for i := 0; i < 5; i++ {
		acc.feedLine([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`))
	}
	if len(calls) != 1 {
		t.Fatalf("progress calls = %d, want 1", len(calls))
	}
	if calls[0] != "using Bash" {
		t.Errorf("progress = %q", calls[0])
	}
}

func TestDetectWireKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want wireKind
	}{
		{"empty", "", wireText},
		{"plain", "hello there", wireText},
		{"json", `{"type":"result","result":"x"}`, wireJSON},
		{"stream", "{\"type\":\"system\"}\n{\"type\":\"result\"}", wireStream},
		{"json then junk", "{\"type\":\"system\"}\nnot json", wireText},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := detectWireKind([]byte(tc.raw)); got != tc.want {
				t.Fatalf("detectWireKind() = %d, want %d", got, tc.want)
			}
		})
	}
}
