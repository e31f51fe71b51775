package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Altoh5/claude-telegram-relay/classify"
)

// DefaultStaleThreshold is how long a task may sit in needs_input before a
// reminder is sent.
const DefaultStaleThreshold = 2 * time.Hour

// Notifier delivers rendered prompts to the user. The engine never assumes
// delivery confirmation beyond the returned error.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendChoices(ctx context.Context, chatID int64, text string, choices []Choice) error
}

type Engine struct {
	store  Store
	notify Notifier
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewEngine(store Store, notify Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		notify: notify,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateTask allocates and persists a new task for chatID. The pending
// record is written first so a crash before the first run leaves a
// detectable row, then the task advances to running immediately.
func (e *Engine) CreateTask(ctx context.Context, chatID int64, originalPrompt string) (*Task, error) {
	now := e.now()
	t := &Task{
		ID:             e.newID(),
		ChatID:         chatID,
		OriginalPrompt: originalPrompt,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.Create(ctx, t); err != nil {
		return nil, err
	}
	if err := e.transitionUpdate(ctx, t, StatusRunning); err != nil {
		return nil, err
	}
	return t, nil
}

// CompleteOrPause classifies engineOutput and either closes the task out or
// pauses it behind an inline-choice prompt. It reports whether the task
// paused; when it did not, the caller delivers the output as plain text.
//
// On a persistence failure during pause the engine degrades the same way:
// it reports not-paused so the question reaches the user as visible,
// non-interactive text instead of being lost.
func (e *Engine) CompleteOrPause(ctx context.Context, taskID string, engineOutput string, sessionID string, resume ResumeState) (bool, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, fmt.Errorf("task %s already %s", t.ID, t.Status)
	}
	if s := strings.TrimSpace(sessionID); s != "" {
		t.SessionID = s
	}

	cls := classify.Classify(engineOutput)
	if cls.NeedsInput && len(cls.Options) >= 1 {
		t.PendingQuestion = cls.Question
		t.CurrentStep = cls.Question
		t.ReminderSent = false
		if strings.TrimSpace(resume.PausePoint) == "" {
			resume.PausePoint = cls.Question
		}
		if err := t.setOptions(cls.Options); err != nil {
			return false, err
		}
		if err := t.setResume(resume); err != nil {
			return false, err
		}
		if err := e.transitionUpdate(ctx, t, StatusNeedsInput); err != nil {
			e.logger.Warn("task_pause_persist_failed", "task_id", t.ID, "error", err.Error())
			return false, nil
		}
		if err := e.notify.SendChoices(ctx, t.ChatID, cls.Text, t.Choices()); err != nil {
			// The task is paused either way; the reminder pass re-renders.
			e.logger.Warn("task_choices_send_failed", "task_id", t.ID, "error", err.Error())
		}
		e.logger.Info("task_paused", "task_id", t.ID, "options", len(cls.Options))
		return true, nil
	}

	t.Result = cls.Text
	t.CurrentStep = ""
	if err := e.transitionUpdate(ctx, t, StatusCompleted); err != nil {
		return false, err
	}
	return false, nil
}

// Resumption carries everything the caller needs to re-invoke the engine
// after a choice: the replayed history plus the synthetic choice turn, and
// the session to resume. Cancelled short-circuits any further invocation.
type Resumption struct {
	Cancelled bool
	Task      *Task
	Prompt    string
	SessionID string
}

// HandleChoice routes a tapped button back into the task. "cancel" fails
// the task without invoking the engine again; a repeated cancel is a no-op.
func (e *Engine) HandleChoice(ctx context.Context, taskID string, rawToken string) (Resumption, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return Resumption{}, err
	}

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == cancelValue {
		if t.Status.Terminal() {
			return Resumption{Cancelled: true, Task: t}, nil
		}
		t.Result = "Cancelled by user"
		t.PendingQuestion = ""
		t.PendingOptions = ""
		t.CurrentStep = ""
		if err := e.transitionUpdate(ctx, t, StatusFailed); err != nil {
			return Resumption{}, err
		}
		e.logger.Info("task_cancelled", "task_id", t.ID)
		return Resumption{Cancelled: true, Task: t}, nil
	}

	if t.Status != StatusNeedsInput {
		return Resumption{}, fmt.Errorf("task %s is %s, not awaiting input", t.ID, t.Status)
	}

	st, err := t.Resume()
	if err != nil {
		// A partial resume risks repeating tool side effects; fail the
		// task with a readable result instead.
		t.Result = "Could not resume: " + err.Error()
		t.PendingQuestion = ""
		t.PendingOptions = ""
		if terr := e.transitionUpdate(ctx, t, StatusFailed); terr != nil {
			e.logger.Warn("task_fail_persist_failed", "task_id", t.ID, "error", terr.Error())
		}
		return Resumption{}, err
	}

	label := rawToken
	for _, o := range t.Options() {
		if o.Value == rawToken || o.Label == rawToken {
			label = o.Label
			break
		}
	}

	t.UserResponse = label
	t.PendingQuestion = ""
	t.PendingOptions = ""
	t.CurrentStep = "resuming"
	if err := e.transitionUpdate(ctx, t, StatusRunning); err != nil {
		return Resumption{}, err
	}

	return Resumption{
		Task:      t,
		Prompt:    BuildResumePrompt(st, label),
		SessionID: t.SessionID,
	}, nil
}

// BuildResumePrompt replays the stored history verbatim and appends the one
// synthetic turn carrying the user's choice. The original prompt is never
// re-sent from scratch: a paused mid-tool run would repeat its side effects.
func BuildResumePrompt(st ResumeState, label string) string {
	var b strings.Builder
	for _, turn := range st.History {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	if strings.TrimSpace(st.PartialOutput) != "" {
		b.WriteString("assistant: ")
		b.WriteString(st.PartialOutput)
		b.WriteString("\n")
	}
	if strings.TrimSpace(st.PausePoint) != "" {
		b.WriteString("[answering ")
		b.WriteString(st.PausePoint)
		b.WriteString("]\n")
	}
	b.WriteString("User chose: ")
	b.WriteString(label)
	return b.String()
}

// Fail closes the task out with an error result. Failing an already
// terminal task is a no-op.
func (e *Engine) Fail(ctx context.Context, taskID string, reason string) error {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Result = strings.TrimSpace(reason)
	t.PendingQuestion = ""
	t.PendingOptions = ""
	t.CurrentStep = ""
	return e.transitionUpdate(ctx, t, StatusFailed)
}

// RemindStale re-renders the choice prompt for tasks stuck in needs_input
// longer than threshold. Each pause is reminded at most once.
func (e *Engine) RemindStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	stale, err := e.store.ListStale(ctx, e.now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	sent := 0
	for i := range stale {
		t := &stale[i]
		text := "Still waiting on your choice:\n" + t.PendingQuestion
		if err := e.notify.SendChoices(ctx, t.ChatID, text, t.Choices()); err != nil {
			e.logger.Warn("task_reminder_send_failed", "task_id", t.ID, "error", err.Error())
			continue
		}
		t.ReminderSent = true
		t.UpdatedAt = e.now()
		if err := e.store.Update(ctx, t); err != nil {
			e.logger.Warn("task_reminder_persist_failed", "task_id", t.ID, "error", err.Error())
			continue
		}
		sent++
	}
	return sent, nil
}

// UpdateStep records the latest progress description for status listings.
func (e *Engine) UpdateStep(ctx context.Context, taskID string, step string) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil || t.Status.Terminal() {
		return
	}
	t.CurrentStep = truncateRunes(step, 200)
	t.UpdatedAt = e.now()
	if err := e.store.Update(ctx, t); err != nil {
		e.logger.Debug("task_step_persist_failed", "task_id", taskID, "error", err.Error())
	}
}

// ListActive returns the chat's running and paused tasks for display.
func (e *Engine) ListActive(ctx context.Context, chatID int64) ([]Task, error) {
	return e.store.ListByChat(ctx, chatID, StatusRunning, StatusNeedsInput)
}

func (e *Engine) transitionUpdate(ctx context.Context, t *Task, next Status) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", t.Status, next, t.ID)
	}
	t.Status = next
	t.UpdatedAt = e.now()
	return e.store.Update(ctx, t)
}
