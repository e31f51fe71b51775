package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu        sync.Mutex
	tasks     map[string]Task
	failWrite bool
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]Task)}
}

func (s *memStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errors.New("store unavailable")
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) Update(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errors.New("store unavailable")
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := t
	return &cp, nil
}

func (s *memStore) ListByChat(ctx context.Context, chatID int64, statuses ...Status) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.ChatID != chatID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if t.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) ListStale(ctx context.Context, olderThan time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == StatusNeedsInput && !t.ReminderSent && t.UpdatedAt.Before(olderThan) {
			out = append(out, t)
		}
	}
	return out, nil
}

type sentChoices struct {
	ChatID  int64
	Text    string
	Choices []Choice
}

type memNotifier struct {
	mu      sync.Mutex
	texts   []string
	choices []sentChoices
	fail    bool
}

func (n *memNotifier) SendText(ctx context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("transport down")
	}
	n.texts = append(n.texts, text)
	return nil
}

func (n *memNotifier) SendChoices(ctx context.Context, chatID int64, text string, choices []Choice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("transport down")
	}
	n.choices = append(n.choices, sentChoices{ChatID: chatID, Text: text, Choices: choices})
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *memStore, *memNotifier) {
	t.Helper()
	store := newMemStore()
	notify := &memNotifier{}
	return NewEngine(store, notify, nil), store, notify
}

const choiceOutput = "Which do you prefer?\n1. Ship now\n2. Wait a week"

func TestCreateTaskAdvancesToRunning(t *testing.T) {
	t.Parallel()

	e, store, _ := newTestEngine(t)
	created, err := e.CreateTask(context.Background(), 42, "do the thing")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	got, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.ChatID != 42 || got.OriginalPrompt != "do the thing" {
		t.Errorf("task = %+v", got)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	t.Parallel()

	e, store, notify := newTestEngine(t)
	created, err := e.CreateTask(context.Background(), 7, "pick a release plan")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	resume := ResumeState{
		History: []Turn{
			{Role: "user", Content: "pick a release plan"},
			{Role: "assistant", Content: "I looked at the backlog."},
		},
		PausePoint: "ask_user",
	}
	paused, err := e.CompleteOrPause(context.Background(), created.ID, choiceOutput, "sess-1", resume)
	if err != nil {
		t.Fatalf("CompleteOrPause() error = %v", err)
	}
	if !paused {
		t.Fatal("expected the task to pause")
	}

	got, _ := store.Get(context.Background(), created.ID)
	if got.Status != StatusNeedsInput {
		t.Fatalf("Status = %s, want needs_input", got.Status)
	}
	if got.PendingQuestion != "Which do you prefer?" {
		t.Errorf("PendingQuestion = %q", got.PendingQuestion)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", got.SessionID)
	}

	if len(notify.choices) != 1 {
		t.Fatalf("choice prompts sent = %d, want 1", len(notify.choices))
	}
	rendered := notify.choices[0].Choices
	// Two options plus the trailing cancel, in classifier order.
	if len(rendered) != 3 {
		t.Fatalf("rendered choices = %d, want 3", len(rendered))
	}
	if rendered[2].Label != "Cancel task" || rendered[2].Data != EncodeCallback(created.ID, "cancel") {
		t.Errorf("last choice = %+v, want cancel", rendered[2])
	}

	res, err := e.HandleChoice(context.Background(), created.ID, "2")
	if err != nil {
		t.Fatalf("HandleChoice() error = %v", err)
	}
	if res.Cancelled {
		t.Fatal("unexpected cancellation")
	}
	if res.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", res.SessionID)
	}

	// Exactly the stored history plus the one synthetic choice turn; the
	// original prompt is not re-sent.
	if !strings.Contains(res.Prompt, "user: pick a release plan\n") {
		t.Errorf("prompt missing history turn:\n%s", res.Prompt)
	}
	if !strings.Contains(res.Prompt, "assistant: I looked at the backlog.\n") {
		t.Errorf("prompt missing history turn:\n%s", res.Prompt)
	}
	if !strings.HasSuffix(res.Prompt, "User chose: 2. Wait a week") {
		t.Errorf("prompt missing synthetic choice turn:\n%s", res.Prompt)
	}
	if strings.Count(res.Prompt, "pick a release plan") != 1 {
		t.Errorf("history duplicated in prompt:\n%s", res.Prompt)
	}

	got, _ = store.Get(context.Background(), created.ID)
	if got.Status != StatusRunning {
		t.Errorf("Status = %s, want running after choice", got.Status)
	}
	if got.UserResponse != "2. Wait a week" {
		t.Errorf("UserResponse = %q", got.UserResponse)
	}
	if got.PendingQuestion != "" || got.PendingOptions != "" {
		t.Errorf("pending fields not cleared: %q %q", got.PendingQuestion, got.PendingOptions)
	}
}

func TestCompleteStoresFinalText(t *testing.T) {
	t.Parallel()

	e, store, notify := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "small job")

	paused, err := e.CompleteOrPause(context.Background(), created.ID, "Done! I've updated the file.", "sess-2", ResumeState{})
	if err != nil {
		t.Fatalf("CompleteOrPause() error = %v", err)
	}
	if paused {
		t.Fatal("expected the task to complete")
	}
	got, _ := store.Get(context.Background(), created.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s", got.Status)
	}
	if got.Result != "Done! I've updated the file." {
		t.Errorf("Result = %q", got.Result)
	}
	if len(notify.choices) != 0 {
		t.Error("no choice prompt should be sent for final text")
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()

	e, store, _ := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "job")
	_, err := e.CompleteOrPause(context.Background(), created.ID, choiceOutput, "s", ResumeState{History: []Turn{{Role: "user", Content: "job"}}})
	if err != nil {
		t.Fatalf("CompleteOrPause() error = %v", err)
	}

	res, err := e.HandleChoice(context.Background(), created.ID, "cancel")
	if err != nil {
		t.Fatalf("HandleChoice(cancel) error = %v", err)
	}
	if !res.Cancelled {
		t.Fatal("expected Cancelled")
	}
	got, _ := store.Get(context.Background(), created.ID)
	if got.Status != StatusFailed || got.Result != "Cancelled by user" {
		t.Fatalf("after cancel: status=%s result=%q", got.Status, got.Result)
	}
	firstUpdated := got.UpdatedAt

	// Second cancel is a no-op that must not change the result.
	res, err = e.HandleChoice(context.Background(), created.ID, "cancel")
	if err != nil {
		t.Fatalf("second HandleChoice(cancel) error = %v", err)
	}
	if !res.Cancelled {
		t.Fatal("expected Cancelled on repeat")
	}
	got, _ = store.Get(context.Background(), created.ID)
	if got.Result != "Cancelled by user" {
		t.Errorf("Result changed to %q", got.Result)
	}
	if !got.UpdatedAt.Equal(firstUpdated) {
		t.Error("terminal task was written again")
	}
}

func TestPausePersistFailureDegradesToPlainText(t *testing.T) {
	t.Parallel()

	e, store, notify := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "job")

	store.failWrite = true
	paused, err := e.CompleteOrPause(context.Background(), created.ID, choiceOutput, "s", ResumeState{})
	if err != nil {
		t.Fatalf("CompleteOrPause() error = %v", err)
	}
	if paused {
		t.Fatal("must not report paused when the transition could not be persisted")
	}
	if len(notify.choices) != 0 {
		t.Error("buttons must not be rendered for an unpersisted pause")
	}
}

func TestHandleChoiceCorruptResumeState(t *testing.T) {
	t.Parallel()

	e, store, _ := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "job")
	_, _ = e.CompleteOrPause(context.Background(), created.ID, choiceOutput, "s", ResumeState{History: []Turn{{Role: "user", Content: "job"}}})

	broken, _ := store.Get(context.Background(), created.ID)
	broken.ResumeState = "{not json"
	_ = store.Update(context.Background(), broken)

	_, err := e.HandleChoice(context.Background(), created.ID, "1")
	if err == nil {
		t.Fatal("expected error for corrupted resume state")
	}
	got, _ := store.Get(context.Background(), created.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Result, "Could not resume") {
		t.Errorf("Result = %q", got.Result)
	}
}

func TestHandleChoiceUnknownTokenFallsBack(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "job")
	_, _ = e.CompleteOrPause(context.Background(), created.ID, choiceOutput, "s", ResumeState{History: []Turn{{Role: "user", Content: "job"}}})

	res, err := e.HandleChoice(context.Background(), created.ID, "something else")
	if err != nil {
		t.Fatalf("HandleChoice() error = %v", err)
	}
	if !strings.HasSuffix(res.Prompt, "User chose: something else") {
		t.Errorf("prompt = %q", res.Prompt)
	}
}

func TestHandleChoiceNotWaiting(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "job")
	if _, err := e.HandleChoice(context.Background(), created.ID, "1"); err == nil {
		t.Fatal("expected error for a task not awaiting input")
	}
}

func TestRemindStaleSingleFire(t *testing.T) {
	t.Parallel()

	e, store, notify := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "job")
	pauseAndBackdate(t, e, store, created.ID)

	sent, err := e.RemindStale(context.Background(), DefaultStaleThreshold)
	if err != nil {
		t.Fatalf("RemindStale() error = %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(notify.choices) != 2 { // original pause render + reminder
		t.Fatalf("choice prompts = %d, want 2", len(notify.choices))
	}

	// Repeated scans send nothing further for the same pause.
	for i := 0; i < 3; i++ {
		sent, err = e.RemindStale(context.Background(), DefaultStaleThreshold)
		if err != nil {
			t.Fatalf("RemindStale() error = %v", err)
		}
		if sent != 0 {
			t.Fatalf("sent = %d on repeat scan, want 0", sent)
		}
	}
}

// pauseAndBackdate pauses the task and backdates it past the stale
// threshold.
func pauseAndBackdate(t *testing.T, e *Engine, store *memStore, taskID string) {
	t.Helper()
	paused, err := e.CompleteOrPause(context.Background(), taskID, choiceOutput, "s", ResumeState{History: []Turn{{Role: "user", Content: "job"}}})
	if err != nil || !paused {
		t.Fatalf("pause failed: paused=%t err=%v", paused, err)
	}
	got, _ := store.Get(context.Background(), taskID)
	got.UpdatedAt = time.Now().Add(-3 * time.Hour)
	_ = store.Update(context.Background(), got)
}

func TestRemindStaleSkipsFreshAndAnswered(t *testing.T) {
	t.Parallel()

	e, _, notify := newTestEngine(t)
	created, _ := e.CreateTask(context.Background(), 7, "job")
	_, _ = e.CompleteOrPause(context.Background(), created.ID, choiceOutput, "s", ResumeState{History: []Turn{{Role: "user", Content: "job"}}})

	// Freshly paused: nothing to remind.
	sent, err := e.RemindStale(context.Background(), DefaultStaleThreshold)
	if err != nil {
		t.Fatalf("RemindStale() error = %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0 for a fresh pause", sent)
	}
	if len(notify.choices) != 1 {
		t.Fatalf("choice prompts = %d, want only the original render", len(notify.choices))
	}
}

func TestListActive(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	a, _ := e.CreateTask(context.Background(), 9, "first")
	b, _ := e.CreateTask(context.Background(), 9, "second")
	_, _ = e.CompleteOrPause(context.Background(), b.ID, "Done.", "", ResumeState{})

	active, err := e.ListActive(context.Background(), 9)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active = %+v", active)
	}
}
