package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/assistants-relay/internal/config"
	"github.com/capitalize-ai/assistants-relay/internal/store"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay for the OpenAI Assistants API with a local message mirror",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
		SilenceUsage: true,
	}

	cmd.AddCommand(serveCommand(), seedCommand())
	return cmd
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

// bootstrap loads configuration, builds the logger and opens the migrated store.
func bootstrap() (*config.Config, *logger.Logger, *store.Store, error) {
	cfg := config.Load()

	log, err := logger.FromEnv(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal(log)

	st, err := store.Open(cfg.DatabaseURL, store.Options{
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	})
	if err != nil {
		log.Sync()
		return nil, nil, nil, err
	}
	return cfg, log, st, nil
}
