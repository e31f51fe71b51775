package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Altoh5/claude-telegram-relay/convo"
	"github.com/Altoh5/claude-telegram-relay/engine"
	"github.com/Altoh5/claude-telegram-relay/outreach"
	"github.com/Altoh5/claude-telegram-relay/task"
	"github.com/Altoh5/claude-telegram-relay/telegram"
)

const degradedMessage = "I'm having trouble reaching the engine right now. Please try again in a few minutes."

// relayJob is one unit of per-chat work: a user message, a button tap, or a
// scheduled check-in. Exactly one of Text/Callback is meaningful.
type relayJob struct {
	ChatID    int64
	Text      string
	IsCheckin bool
	Callback  *telegram.CallbackQuery
}

type chatWorker struct {
	Jobs chan relayJob
}

// relay bundles everything a worker needs to process jobs. All methods are
// safe for concurrent use across chats; within a chat the worker serializes.
type relay struct {
	api    *telegram.API
	runner engine.Runner
	tasks  *task.Engine
	convo  *convo.Store
	logger *slog.Logger

	allowedTools []string
	taskTimeout  time.Duration
	historyMax   int
}

func (r *relay) handleJob(ctx context.Context, job relayJob) {
	switch {
	case job.Callback != nil:
		r.handleCallback(ctx, job)
	case job.IsCheckin:
		r.handleCheckin(ctx, job)
	default:
		r.handleMessage(ctx, job)
	}
}

// handleMessage runs one user message as a new task. Any failure is
// contained here: the user gets a message and the poll loop never sees it.
func (r *relay) handleMessage(ctx context.Context, job relayJob) {
	chatID := job.ChatID
	stopTyping := telegram.StartTypingTicker(ctx, r.api, chatID, "typing", 4*time.Second)
	defer stopTyping()

	if err := r.convo.SaveTurn(ctx, chatID, convo.RoleUser, job.Text); err != nil {
		r.logger.Warn("turn_save_failed", "chat_id", chatID, "error", err.Error())
	}

	t, err := r.tasks.CreateTask(ctx, chatID, job.Text)
	if err != nil {
		r.logger.Warn("task_create_failed", "chat_id", chatID, "error", err.Error())
		_ = r.api.SendMessage(ctx, chatID, "error: "+err.Error(), true)
		return
	}

	prompt := r.buildTaskPrompt(ctx, chatID)
	res, err := r.runner.Run(ctx, prompt, r.engineOptions(t.ID))
	if err != nil || res.IsError {
		r.failTask(ctx, t.ID, chatID, err, res)
		return
	}

	r.deliver(ctx, chatID, t.ID, res)
}

// handleCallback routes a tapped button back into its paused task and, when
// the choice was a real answer, resumes the engine.
func (r *relay) handleCallback(ctx context.Context, job relayJob) {
	cb := job.Callback
	chatID := job.ChatID

	_ = r.api.AnswerCallbackQuery(ctx, cb.ID, "")

	taskID, value, ok := task.DecodeCallback(cb.Data)
	if !ok {
		r.logger.Warn("callback_malformed", "chat_id", chatID, "data", cb.Data)
		return
	}
	if cb.Message != nil {
		// Retire the keyboard so a stale tap can't race the resumed run.
		_ = r.api.EditMessageReplyMarkup(ctx, chatID, cb.Message.MessageID, nil)
	}

	res, err := r.tasks.HandleChoice(ctx, taskID, value)
	if err != nil {
		r.logger.Warn("choice_rejected", "task_id", taskID, "error", err.Error())
		_ = r.api.SendMessage(ctx, chatID, "error: "+err.Error(), true)
		return
	}
	if res.Cancelled {
		_ = r.api.SendMessage(ctx, chatID, "Task cancelled.", true)
		return
	}

	if err := r.convo.SaveTurn(ctx, chatID, convo.RoleUser, "Chose: "+res.Task.UserResponse); err != nil {
		r.logger.Warn("turn_save_failed", "chat_id", chatID, "error", err.Error())
	}

	stopTyping := telegram.StartTypingTicker(ctx, r.api, chatID, "typing", 4*time.Second)
	defer stopTyping()

	opts := r.engineOptions(taskID)
	opts.ResumeSessionID = res.SessionID
	out, err := r.runner.Run(ctx, res.Prompt, opts)
	if err != nil || out.IsError {
		r.failTask(ctx, taskID, chatID, err, out)
		return
	}

	r.deliver(ctx, chatID, taskID, out)
}

// handleCheckin runs a scheduled check-in prompt outside the task engine.
// The response is dropped entirely when the engine has nothing to report.
func (r *relay) handleCheckin(ctx context.Context, job relayJob) {
	res, err := r.runner.Run(ctx, job.Text, engine.Options{
		Timeout:      r.taskTimeout,
		AllowedTools: r.allowedTools,
	})
	if err != nil || res.IsError {
		r.logger.Warn("checkin_engine_error", "chat_id", job.ChatID, "error", errString(err))
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" || outreach.NothingToReport(text) {
		return
	}
	if err := r.api.SendMessageChunked(ctx, job.ChatID, text); err != nil {
		r.logger.Warn("telegram_send_error", "chat_id", job.ChatID, "error", err.Error())
		return
	}
	if err := r.convo.SaveTurn(ctx, job.ChatID, convo.RoleAssistant, text); err != nil {
		r.logger.Warn("turn_save_failed", "chat_id", job.ChatID, "error", err.Error())
	}
}

// deliver classifies the engine output and either pauses the task behind a
// choice prompt or sends the result as plain text.
func (r *relay) deliver(ctx context.Context, chatID int64, taskID string, res engine.Result) {
	resume := task.ResumeState{
		History:       r.resumeHistory(ctx, chatID),
		PartialOutput: res.Text,
	}
	paused, err := r.tasks.CompleteOrPause(ctx, taskID, res.Text, res.SessionID, resume)
	if err != nil {
		r.logger.Warn("task_finish_failed", "task_id", taskID, "error", err.Error())
		_ = r.api.SendMessage(ctx, chatID, "error: "+err.Error(), true)
		return
	}
	if !paused {
		if err := r.api.SendMessageChunked(ctx, chatID, res.Text); err != nil {
			r.logger.Warn("telegram_send_error", "chat_id", chatID, "error", err.Error())
		}
	}
	if err := r.convo.SaveTurn(ctx, chatID, convo.RoleAssistant, res.Text); err != nil {
		r.logger.Warn("turn_save_failed", "chat_id", chatID, "error", err.Error())
	}
}

func (r *relay) failTask(ctx context.Context, taskID string, chatID int64, runErr error, res engine.Result) {
	reason := strings.TrimSpace(res.Text)
	if reason == "" {
		reason = errString(runErr)
	}
	if reason == "" {
		reason = "engine error"
	}
	if err := r.tasks.Fail(ctx, taskID, reason); err != nil {
		r.logger.Warn("task_fail_persist_failed", "task_id", taskID, "error", err.Error())
	}
	r.logger.Warn("task_engine_error", "task_id", taskID, "error", reason)
	_ = r.api.SendMessage(ctx, chatID, degradedMessage, true)
}

func (r *relay) engineOptions(taskID string) engine.Options {
	return engine.Options{
		Timeout:      r.taskTimeout,
		AllowedTools: r.allowedTools,
		OnProgress: func(step string) {
			r.tasks.UpdateStep(context.Background(), taskID, step)
		},
	}
}

// buildTaskPrompt assembles the full context the engine sees: a fixed
// preamble, stored facts and goals, and the recent conversation (which
// already ends with the user's new message).
func (r *relay) buildTaskPrompt(ctx context.Context, chatID int64) string {
	var b strings.Builder
	b.WriteString("You are a personal assistant reached through Telegram. Be concise.\n")
	b.WriteString("When you genuinely need the user to decide something, ask exactly one question ending with '?' and offer numbered options (1. ..., 2. ...).\n")

	if facts, err := r.convo.Facts(ctx, chatID); err == nil && len(facts) > 0 {
		b.WriteString("\nKnown facts:\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f.Title)
			b.WriteString(": ")
			b.WriteString(f.Value)
			b.WriteString("\n")
		}
	}
	if goals, err := r.convo.Goals(ctx, chatID); err == nil && len(goals) > 0 {
		b.WriteString("\nCurrent goals:\n")
		for _, g := range goals {
			b.WriteString("- ")
			b.WriteString(g.Title)
			b.WriteString(": ")
			b.WriteString(g.Value)
			b.WriteString("\n")
		}
	}
	if turns, err := r.convo.RecentTurns(ctx, chatID, r.historyMax); err == nil && len(turns) > 0 {
		b.WriteString("\nConversation:\n")
		for _, t := range turns {
			b.WriteString(t.Role)
			b.WriteString(": ")
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (r *relay) resumeHistory(ctx context.Context, chatID int64) []task.Turn {
	turns, err := r.convo.RecentTurns(ctx, chatID, r.historyMax)
	if err != nil {
		r.logger.Warn("history_load_failed", "chat_id", chatID, "error", err.Error())
		return nil
	}
	out := make([]task.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, task.Turn{Role: t.Role, Content: t.Content})
	}
	return out
}

// recentContext renders the last few turns for the check-in prompt.
func (r *relay) recentContext(ctx context.Context, chatID int64) string {
	turns, err := r.convo.RecentTurns(ctx, chatID, 6)
	if err != nil || len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// choiceNotifier adapts the Telegram client to the task engine's Notifier.
type choiceNotifier struct {
	api *telegram.API
}

func (n *choiceNotifier) SendText(ctx context.Context, chatID int64, text string) error {
	return n.api.SendMessageChunked(ctx, chatID, text)
}

func (n *choiceNotifier) SendChoices(ctx context.Context, chatID int64, text string, choices []task.Choice) error {
	buttons := make([]telegram.InlineKeyboardButton, 0, len(choices))
	for _, c := range choices {
		buttons = append(buttons, telegram.InlineKeyboardButton{Text: c.Label, CallbackData: c.Data})
	}
	_, err := n.api.SendChoices(ctx, chatID, text, telegram.SingleColumnKeyboard(buttons...))
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
