package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/Altoh5/claude-telegram-relay/db"
	"github.com/Altoh5/claude-telegram-relay/engine"
)

// runnerFromViper builds the backend chain: the local CLI first, then the
// hosted API when a key is configured.
func runnerFromViper() engine.Runner {
	cli := engine.NewCLIRunner(viper.GetString("engine.cli_bin"))

	apiKey := strings.TrimSpace(viper.GetString("engine.api_key"))
	if apiKey == "" {
		return cli
	}
	api := engine.NewAPIRunner(apiKey, viper.GetString("engine.api_model"))
	return engine.NewFallbackRunner(cli, api)
}

func expandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func openDatabase() (*gorm.DB, error) {
	cfg := db.DefaultConfig()
	cfg.DSN = viper.GetString("db.dsn")
	return db.Open(cfg)
}
