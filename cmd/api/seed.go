package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/service"
)

// seedFile is the layout of an assistants seed file.
type seedFile struct {
	Assistants []model.Assistant `yaml:"assistants"`
}

func seedCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Pre-populate the local assistant cache from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return seed(cmd.Context(), path)
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "assistants.yaml", "seed file")
	return cmd
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

func seed(ctx context.Context, path string) error {
	f, err := loadSeedFile(path)
	if err != nil {
		return err
	}

	_, log, st, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Seeding writes the local cache only.
	n, err := service.NewAssistantService(st, nil, log).Seed(ctx, f.Assistants)
	if err != nil {
		return err
	}

	log.Info("seeded assistants", zap.Int("count", n), zap.String("file", path))
	return nil
}
