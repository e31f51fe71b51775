// Package task owns the lifecycle of a human-in-the-loop agent invocation:
// creating the task record, pausing when the engine asks a question,
// rendering the inline choices, and reconstructing the exact engine state
// when the user answers.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Altoh5/claude-telegram-relay/classify"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusNeedsInput Status = "needs_input"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validTransitions is the task state machine. pending exists only so a
// crash between create and first run is detectable by an external
// reconciler; in normal operation it advances immediately.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusNeedsInput: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusNeedsInput: {
		StatusRunning: true,
		StatusFailed:  true,
	},
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) CanTransitionTo(next Status) bool {
	return validTransitions[s][next]
}

// Turn is one stored conversation turn inside the resume snapshot. Content
// is truncated at write time so the record stays boundedly small.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResumeState is the snapshot needed to replay the exact point the engine
// paused: the message history up to the pause, the engine's in-flight
// output, and the identifier of the pause point itself.
type ResumeState struct {
	History       []Turn `json:"history"`
	PartialOutput string `json:"partial_output,omitempty"`
	PausePoint    string `json:"pause_point,omitempty"`
}

const (
	// maxTurnRunes bounds each stored turn's content.
	maxTurnRunes = 2000

	cancelValue = "cancel"
	cancelLabel = "Cancel task"
)

// Task is the persisted record of one paused-or-completed invocation.
// PendingOptions and ResumeState are JSON columns; use the accessors.
type Task struct {
	ID              string `gorm:"primaryKey;size:64"`
	ChatID          int64  `gorm:"index:idx_tasks_chat_status"`
	OriginalPrompt  string
	Status          Status `gorm:"size:16;index:idx_tasks_chat_status;index:idx_tasks_status_updated"`
	SessionID       string
	CurrentStep     string
	PendingQuestion string
	PendingOptions  string
	UserResponse    string
	ResumeState     string
	Result          string
	ReminderSent    bool
	CreatedAt time.Time
	// The engine owns UpdatedAt; it moves only on status transitions.
	UpdatedAt time.Time `gorm:"index:idx_tasks_status_updated;autoUpdateTime:false"`
}

func (t *Task) Options() []classify.Option {
	if strings.TrimSpace(t.PendingOptions) == "" {
		return nil
	}
	var opts []classify.Option
	if err := json.Unmarshal([]byte(t.PendingOptions), &opts); err != nil {
		return nil
	}
	return opts
}

func (t *Task) setOptions(opts []classify.Option) error {
	if len(opts) == 0 {
		t.PendingOptions = ""
		return nil
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	t.PendingOptions = string(data)
	return nil
}

func (t *Task) Resume() (ResumeState, error) {
	if strings.TrimSpace(t.ResumeState) == "" {
		return ResumeState{}, fmt.Errorf("task %s has no resume state", t.ID)
	}
	var st ResumeState
	if err := json.Unmarshal([]byte(t.ResumeState), &st); err != nil {
		return ResumeState{}, fmt.Errorf("task %s resume state corrupted: %w", t.ID, err)
	}
	return st, nil
}

func (t *Task) setResume(st ResumeState) error {
	for i := range st.History {
		st.History[i].Content = truncateRunes(st.History[i].Content, maxTurnRunes)
	}
	st.PartialOutput = truncateRunes(st.PartialOutput, maxTurnRunes)
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	t.ResumeState = string(data)
	return nil
}

// Choice is one rendered button: the label shown to the user and the opaque
// callback payload routed back into HandleChoice on tap.
type Choice struct {
	Label string
	Data  string
}

// Choices renders the pending options as buttons, one per row in classifier
// order, with the cancel choice always present and always last.
func (t *Task) Choices() []Choice {
	opts := t.Options()
	out := make([]Choice, 0, len(opts)+1)
	for _, o := range opts {
		out = append(out, Choice{Label: o.Label, Data: EncodeCallback(t.ID, o.Value)})
	}
	out = append(out, Choice{Label: cancelLabel, Data: EncodeCallback(t.ID, cancelValue)})
	return out
}

const callbackPrefix = "task"

// EncodeCallback builds the fixed callback payload format "task:<id>:<value>".
func EncodeCallback(taskID, value string) string {
	return callbackPrefix + ":" + taskID + ":" + value
}

// DecodeCallback parses a callback payload produced by EncodeCallback.
func DecodeCallback(data string) (taskID, value string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", "", false
	}
	if strings.TrimSpace(parts[1]) == "" || strings.TrimSpace(parts[2]) == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
