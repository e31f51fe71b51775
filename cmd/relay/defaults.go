package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Engine backend.
	viper.SetDefault("engine.cli_bin", "claude")
	viper.SetDefault("engine.allowed_tools", []string{})
	viper.SetDefault("engine.timeout", 5*time.Minute)
	viper.SetDefault("engine.task_timeout", 30*time.Minute)
	viper.SetDefault("engine.api_key", "")
	viper.SetDefault("engine.api_model", "claude-sonnet-4-20250514")

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.allowed_chat_ids", []string{})
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.history_max_messages", 20)

	// Storage + single-instance lock.
	viper.SetDefault("db.dsn", "")
	viper.SetDefault("lock.path", "~/.claude-relay/relay.lock")

	// Tasks
	viper.SetDefault("tasks.stale_threshold", 2*time.Hour)
	viper.SetDefault("tasks.reminder_interval", 15*time.Minute)

	// Proactive outreach
	viper.SetDefault("outreach.enabled", false)
	viper.SetDefault("outreach.interval", 4*time.Hour)
	viper.SetDefault("outreach.checklist_path", "~/.claude-relay/checklist.yaml")
}
