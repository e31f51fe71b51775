// Package outreach drives the relay's proactive side: periodic check-ins
// seeded from a user checklist, and reminders for tasks stuck waiting on an
// answer. Both run as tickers inside the relay loop; neither ever interrupts
// a task already in flight for the chat.
package outreach

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const failureThreshold = 3

// State serializes check-in runs and tracks consecutive failures so a broken
// checklist surfaces as one alert instead of a silent stall.
type State struct {
	mu          sync.Mutex
	running     bool
	failures    int
	lastSuccess time.Time
	lastError   string
}

func (s *State) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *State) EndSkipped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *State) EndSuccess(now time.Time) {
	s.mu.Lock()
	s.running = false
	s.failures = 0
	s.lastError = ""
	s.lastSuccess = now
	s.mu.Unlock()
}

func (s *State) EndFailure(err error) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.failures++
	if err != nil {
		s.lastError = strings.TrimSpace(err.Error())
	}
	if s.failures >= failureThreshold {
		msg := "checkin_failed"
		if s.lastError != "" {
			msg = fmt.Sprintf("checkin_failed (%s)", s.lastError)
		}
		s.failures = 0
		return true, "ALERT: " + msg
	}
	return false, ""
}

func (s *State) Snapshot() (failures int, lastSuccess time.Time, lastError string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures, s.lastSuccess, s.lastError, s.running
}

type TickOutcome int

const (
	TickEnqueued TickOutcome = iota
	TickSkipped
	TickBuildError
)

type PromptBuilder func() (prompt string, checklistEmpty bool, err error)

// PromptEnqueuer hands the check-in prompt to the relay. A non-empty return
// is a skip reason (busy chat, pending question, etc.).
type PromptEnqueuer func(prompt string, checklistEmpty bool) (skipReason string)

type TickResult struct {
	Outcome      TickOutcome
	SkipReason   string
	BuildError   error
	AlertMessage string
}

func Tick(state *State, buildPrompt PromptBuilder, enqueue PromptEnqueuer) TickResult {
	if state == nil || buildPrompt == nil || enqueue == nil {
		return TickResult{Outcome: TickSkipped, SkipReason: "invalid_config"}
	}
	if !state.Start() {
		return TickResult{Outcome: TickSkipped, SkipReason: "already_running"}
	}

	prompt, checklistEmpty, err := buildPrompt()
	if err != nil {
		alert, msg := state.EndFailure(err)
		result := TickResult{Outcome: TickBuildError, BuildError: err}
		if alert {
			result.AlertMessage = strings.TrimSpace(msg)
		}
		return result
	}
	if strings.TrimSpace(prompt) == "" {
		state.EndSkipped()
		return TickResult{Outcome: TickSkipped, SkipReason: "empty_prompt"}
	}

	reason := strings.TrimSpace(enqueue(prompt, checklistEmpty))
	if reason != "" {
		state.EndSkipped()
		return TickResult{Outcome: TickSkipped, SkipReason: reason}
	}

	return TickResult{Outcome: TickEnqueued}
}

// BuildCheckinPrompt assembles the instruction for a proactive check-in.
// Returns "" when there is nothing worth pinging the user about.
func BuildCheckinPrompt(checklistPath string, recentContext string) (string, bool, error) {
	checklist, empty, err := ReadChecklist(checklistPath)
	if err != nil {
		return "", true, err
	}
	pending := checklist.Pending()
	if len(pending) == 0 && strings.TrimSpace(recentContext) == "" {
		return "", true, nil
	}

	var b strings.Builder
	b.WriteString("This is a scheduled check-in, not a user message.\n")
	b.WriteString("Review the checklist and recent conversation, then write ONE short, friendly message to the user.\n")
	b.WriteString("Mention only what is genuinely worth their attention. Do not say this is automated.\n")
	b.WriteString("If nothing needs attention, reply with exactly NOTHING_TO_REPORT.\n")
	if len(pending) > 0 {
		b.WriteString("\nChecklist:\n")
		for _, item := range pending {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteString("\n")
		}
	}
	if strings.TrimSpace(recentContext) != "" {
		b.WriteString("\nRecent conversation:\n")
		b.WriteString(strings.TrimSpace(recentContext))
		b.WriteString("\n")
	}
	return b.String(), empty, nil
}

// NothingToReport reports whether a check-in response should be dropped
// instead of delivered.
func NothingToReport(response string) bool {
	return strings.Contains(response, "NOTHING_TO_REPORT")
}

// RunTicker invokes fn every interval until ctx is cancelled. The first call
// waits a full interval; fn runs on the ticker goroutine.
func RunTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 || fn == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
