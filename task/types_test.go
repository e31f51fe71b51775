package task

import (
	"strings"
	"testing"

	"github.com/Altoh5/claude-telegram-relay/classify"
)

func TestCallbackCodecRoundTrip(t *testing.T) {
	t.Parallel()

	data := EncodeCallback("abc-123", "2")
	if data != "task:abc-123:2" {
		t.Fatalf("EncodeCallback() = %q", data)
	}
	id, value, ok := DecodeCallback(data)
	if !ok || id != "abc-123" || value != "2" {
		t.Fatalf("DecodeCallback() = (%q, %q, %t)", id, value, ok)
	}
}

func TestDecodeCallbackRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "task:", "task:id", "other:id:v", "task::v", "task:id:"} {
		if _, _, ok := DecodeCallback(s); ok {
			t.Errorf("DecodeCallback(%q) ok = true", s)
		}
	}
}

func TestDecodeCallbackValueWithColon(t *testing.T) {
	t.Parallel()

	id, value, ok := DecodeCallback("task:id-1:a:b")
	if !ok || id != "id-1" || value != "a:b" {
		t.Fatalf("DecodeCallback() = (%q, %q, %t)", id, value, ok)
	}
}

func TestResumeStateTruncatedAtWrite(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("y", 10000)
	var task Task
	err := task.setResume(ResumeState{
		History:       []Turn{{Role: "user", Content: long}},
		PartialOutput: long,
	})
	if err != nil {
		t.Fatalf("setResume() error = %v", err)
	}
	st, err := task.Resume()
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if n := len([]rune(st.History[0].Content)); n != maxTurnRunes {
		t.Errorf("history turn runes = %d, want %d", n, maxTurnRunes)
	}
	if n := len([]rune(st.PartialOutput)); n != maxTurnRunes {
		t.Errorf("partial output runes = %d, want %d", n, maxTurnRunes)
	}
}

func TestResumeMissingState(t *testing.T) {
	t.Parallel()

	var task Task
	if _, err := task.Resume(); err == nil {
		t.Fatal("expected error for missing resume state")
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusNeedsInput},
		{StatusNeedsInput, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusNeedsInput, StatusFailed},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}
	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusPending, StatusNeedsInput},
		{StatusNeedsInput, StatusCompleted},
	}
	for _, tr := range denied {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestChoicesCancelAlwaysLast(t *testing.T) {
	t.Parallel()

	var task Task
	task.ID = "t1"
	if err := task.setOptions([]classify.Option{
		{Label: "1. a", Value: "1"},
		{Label: "2. b", Value: "2"},
	}); err != nil {
		t.Fatalf("setOptions() error = %v", err)
	}
	choices := task.Choices()
	if len(choices) != 3 {
		t.Fatalf("len(choices) = %d", len(choices))
	}
	if choices[0].Data != "task:t1:1" || choices[1].Data != "task:t1:2" {
		t.Errorf("choices = %+v", choices)
	}
	last := choices[len(choices)-1]
	if last.Label != "Cancel task" || last.Data != "task:t1:cancel" {
		t.Errorf("last choice = %+v", last)
	}
}
