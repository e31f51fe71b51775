package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Altoh5/claude-telegram-relay/engine"
	"github.com/Altoh5/claude-telegram-relay/internal/logutil"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run \"prompt\"",
		Short: "Run one prompt through the engine and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(args[0])
			if prompt == "" {
				return fmt.Errorf("empty prompt")
			}

			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			runner := runnerFromViper()
			timeout := flagOrViperDuration(cmd, "timeout", "engine.timeout")

			res, err := runner.Run(context.Background(), prompt, engine.Options{
				Timeout:      timeout,
				AllowedTools: viper.GetStringSlice("engine.allowed_tools"),
			})
			if err != nil {
				return err
			}
			if res.IsError {
				return fmt.Errorf("engine error: %s", strings.TrimSpace(res.Text))
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(res.Text))
			return nil
		},
	}

	cmd.Flags().Duration("timeout", 0, "Engine timeout for this invocation (defaults to engine.timeout).")
	return cmd
}
