package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Altoh5/claude-telegram-relay/convo"
	"github.com/Altoh5/claude-telegram-relay/guard"
	"github.com/Altoh5/claude-telegram-relay/internal/logutil"
	"github.com/Altoh5/claude-telegram-relay/outreach"
	"github.com/Altoh5/claude-telegram-relay/task"
	"github.com/Altoh5/claude-telegram-relay/telegram"
)

func newTelegramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Run the Telegram relay loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(flagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or CLAUDE_RELAY_TELEGRAM_BOT_TOKEN)")
			}

			baseURL := "https://api.telegram.org"

			allowed := make(map[int64]bool)
			for _, s := range flagOrViperStringArray(cmd, "telegram-allowed-chat-id", "telegram.allowed_chat_ids") {
				s = strings.TrimSpace(s)
				if s == "" {
					continue
				}
				id, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid telegram.allowed_chat_ids entry %q: %w", s, err)
				}
				allowed[id] = true
			}

			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			pollTimeout := flagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout")
			if pollTimeout <= 0 {
				pollTimeout = 30 * time.Second
			}
			taskTimeout := flagOrViperDuration(cmd, "task-timeout", "engine.task_timeout")
			if taskTimeout <= 0 {
				taskTimeout = 30 * time.Minute
			}
			historyMax := flagOrViperInt(cmd, "history-max-messages", "telegram.history_max_messages")
			if historyMax <= 0 {
				historyMax = 20
			}

			gdb, err := openDatabase()
			if err != nil {
				return err
			}

			httpClient := &http.Client{Timeout: 60 * time.Second}
			api := telegram.NewAPI(httpClient, baseURL, token)

			notifier := &choiceNotifier{api: api}
			taskEngine := task.NewEngine(task.NewGormStore(gdb), notifier, logger)
			convoStore := convo.NewStore(gdb)

			rel := &relay{
				api:          api,
				runner:       runnerFromViper(),
				tasks:        taskEngine,
				convo:        convoStore,
				logger:       logger,
				allowedTools: viper.GetStringSlice("engine.allowed_tools"),
				taskTimeout:  taskTimeout,
				historyMax:   historyMax,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Exactly one relay may poll this bot token. A second instance
			// would split updates between the two and drop messages.
			lock, err := guard.NewProcessLock(expandHomePath(viper.GetString("lock.path")), logger)
			if err != nil {
				return err
			}
			ok, err := lock.Acquire(ctx)
			if err != nil {
				return err
			}
			if !ok {
				logger.Warn("relay_already_running", "lock_path", viper.GetString("lock.path"))
				return nil
			}
			defer func() { _ = lock.Release(context.Background()) }()
			go lock.RunHeartbeat(ctx)

			me, err := api.GetMe(ctx)
			if err != nil {
				return fmt.Errorf("telegram getMe failed: %w", err)
			}
			botUser := ""
			if me != nil {
				botUser = strings.TrimSpace(me.Username)
			}

			var (
				mu           sync.Mutex
				workers      = make(map[int64]*chatWorker)
				lastActivity = make(map[int64]time.Time)
				checkins     = make(map[int64]*outreach.State)
				offset       int64
			)

			logger.Info("relay_start",
				"bot_username", botUser,
				"poll_timeout", pollTimeout.String(),
				"task_timeout", taskTimeout.String(),
				"history_max_messages", historyMax,
			)

			getOrStartWorkerLocked := func(chatID int64) *chatWorker {
				if w, ok := workers[chatID]; ok && w != nil {
					return w
				}
				w := &chatWorker{Jobs: make(chan relayJob, 16)}
				workers[chatID] = w
				go func() {
					for job := range w.Jobs {
						rel.handleJob(ctx, job)
					}
				}()
				return w
			}

			enqueue := func(job relayJob) bool {
				mu.Lock()
				defer mu.Unlock()
				w := getOrStartWorkerLocked(job.ChatID)
				lastActivity[job.ChatID] = time.Now()
				select {
				case w.Jobs <- job:
					return true
				default:
					return false
				}
			}

			// Stale-task reminder ticker.
			staleThreshold := viper.GetDuration("tasks.stale_threshold")
			reminderInterval := viper.GetDuration("tasks.reminder_interval")
			go outreach.RunTicker(ctx, reminderInterval, func(ctx context.Context) {
				sent, err := taskEngine.RemindStale(ctx, staleThreshold)
				if err != nil {
					logger.Warn("reminder_tick_error", "error", err.Error())
					return
				}
				if sent > 0 {
					logger.Info("reminders_sent", "count", sent)
				}
			})

			// Proactive check-in ticker: idle chats only, one in flight per
			// chat, never while a task is active.
			if viper.GetBool("outreach.enabled") {
				checklistPath := viper.GetString("outreach.checklist_path")
				go outreach.RunTicker(ctx, viper.GetDuration("outreach.interval"), func(ctx context.Context) {
					mu.Lock()
					chats := make([]int64, 0, len(lastActivity))
					for chatID := range lastActivity {
						chats = append(chats, chatID)
					}
					mu.Unlock()

					for _, chatID := range chats {
						if len(allowed) > 0 && !allowed[chatID] {
							continue
						}
						if active, err := taskEngine.ListActive(ctx, chatID); err != nil || len(active) > 0 {
							continue
						}

						mu.Lock()
						state := checkins[chatID]
						if state == nil {
							state = &outreach.State{}
							checkins[chatID] = state
						}
						busy := false
						if w := workers[chatID]; w != nil && len(w.Jobs) > 0 {
							busy = true
						}
						mu.Unlock()
						if busy {
							continue
						}

						chatID := chatID
						res := outreach.Tick(state, func() (string, bool, error) {
							return outreach.BuildCheckinPrompt(checklistPath, rel.recentContext(ctx, chatID))
						}, func(prompt string, _ bool) string {
							if !enqueue(relayJob{ChatID: chatID, Text: prompt, IsCheckin: true}) {
								return "queue_full"
							}
							return ""
						})
						switch res.Outcome {
						case outreach.TickEnqueued:
							state.EndSuccess(time.Now())
						case outreach.TickBuildError:
							logger.Warn("checkin_build_error", "chat_id", chatID, "error", res.BuildError.Error())
							if res.AlertMessage != "" {
								_ = api.SendMessage(ctx, chatID, res.AlertMessage, true)
							}
						}
					}
				})
			}

			for {
				if ctx.Err() != nil {
					logger.Info("relay_stop")
					return nil
				}

				updates, nextOffset, err := api.GetUpdates(ctx, offset, pollTimeout)
				if err != nil {
					if ctx.Err() != nil {
						logger.Info("relay_stop")
						return nil
					}
					logger.Warn("telegram_get_updates_error", "error", err.Error())
					time.Sleep(1 * time.Second)
					continue
				}
				offset = nextOffset

				for _, u := range updates {
					if cb := u.CallbackQuery; cb != nil {
						if cb.Message == nil || cb.Message.Chat == nil {
							continue
						}
						chatID := cb.Message.Chat.ID
						if len(allowed) > 0 && !allowed[chatID] {
							logger.Warn("unauthorized_chat", "chat_id", chatID)
							continue
						}
						if !enqueue(relayJob{ChatID: chatID, Callback: cb}) {
							logger.Warn("chat_queue_full", "chat_id", chatID)
							_ = api.AnswerCallbackQuery(ctx, cb.ID, "Busy, try again shortly.")
						}
						continue
					}

					msg := u.Message
					if msg == nil {
						msg = u.EditedMessage
					}
					if msg == nil || msg.Chat == nil {
						continue
					}
					if msg.From != nil && msg.From.IsBot {
						continue
					}
					chatID := msg.Chat.ID
					text := strings.TrimSpace(msg.Text)
					if text == "" {
						continue
					}

					cmdWord, cmdArgs := splitCommand(text)
					switch normalizeSlashCommand(cmdWord) {
					case "/start", "/help":
						help := "Send a message and I will run it as a task.\n" +
							"When I need a decision, you'll get buttons to tap.\n" +
							"Commands: /tasks, /remember <fact>, /goal <goal>, /id"
						_ = api.SendMessage(ctx, chatID, help, true)
						continue
					case "/id":
						_ = api.SendMessage(ctx, chatID, fmt.Sprintf("chat_id=%d", chatID), true)
						continue
					case "/tasks":
						if len(allowed) > 0 && !allowed[chatID] {
							logger.Warn("unauthorized_chat", "chat_id", chatID)
							_ = api.SendMessage(ctx, chatID, "unauthorized", true)
							continue
						}
						_ = api.SendMessage(ctx, chatID, renderActiveTasks(ctx, taskEngine, chatID), true)
						continue
					case "/remember", "/goal":
						if len(allowed) > 0 && !allowed[chatID] {
							logger.Warn("unauthorized_chat", "chat_id", chatID)
							_ = api.SendMessage(ctx, chatID, "unauthorized", true)
							continue
						}
						if strings.TrimSpace(cmdArgs) == "" {
							_ = api.SendMessage(ctx, chatID, "usage: "+cmdWord+" <text>", true)
							continue
						}
						title, value := splitFact(cmdArgs)
						var serr error
						if normalizeSlashCommand(cmdWord) == "/goal" {
							serr = convoStore.SaveGoal(ctx, chatID, title, value)
						} else {
							serr = convoStore.SaveFact(ctx, chatID, title, value)
						}
						if serr != nil {
							_ = api.SendMessage(ctx, chatID, "error: "+serr.Error(), true)
							continue
						}
						_ = api.SendMessage(ctx, chatID, "ok, noted", true)
						continue
					default:
						if len(allowed) > 0 && !allowed[chatID] {
							logger.Warn("unauthorized_chat", "chat_id", chatID)
							_ = api.SendMessage(ctx, chatID, "unauthorized", true)
							continue
						}
					}

					if !enqueue(relayJob{ChatID: chatID, Text: text}) {
						logger.Warn("chat_queue_full", "chat_id", chatID)
						_ = api.SendMessage(ctx, chatID, "Busy with earlier messages; this one was dropped. Please resend in a bit.", true)
					}
				}
			}
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().StringArray("telegram-allowed-chat-id", nil, "Allowed chat ID (repeatable; empty allows all).")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long polling timeout for getUpdates.")
	cmd.Flags().Duration("task-timeout", 30*time.Minute, "Per-task engine timeout.")
	cmd.Flags().Int("history-max-messages", 20, "Conversation turns included in the prompt.")
	return cmd
}

func renderActiveTasks(ctx context.Context, eng *task.Engine, chatID int64) string {
	active, err := eng.ListActive(ctx, chatID)
	if err != nil {
		return "error: " + err.Error()
	}
	if len(active) == 0 {
		return "No active tasks."
	}
	var b strings.Builder
	for _, t := range active {
		b.WriteString("• ")
		b.WriteString(firstLineOf(t.OriginalPrompt))
		b.WriteString(" — ")
		b.WriteString(string(t.Status))
		if strings.TrimSpace(t.CurrentStep) != "" {
			b.WriteString(" (")
			b.WriteString(firstLineOf(t.CurrentStep))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func normalizeSlashCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || !strings.HasPrefix(cmd, "/") {
		return ""
	}
	// Allow "/cmd@BotName" variants by stripping "@...".
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

// splitFact turns "prefers vim: always" into ("prefers vim", "always");
// without a colon the whole text doubles as both title and value.
func splitFact(text string) (title, value string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, ':'); i >= 0 {
		title = strings.TrimSpace(text[:i])
		value = strings.TrimSpace(text[i+1:])
		if title != "" && value != "" {
			return title, value
		}
	}
	return text, text
}
