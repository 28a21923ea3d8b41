package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/translation-orchestrator/internal/config"
)

type commandContext struct {
	envFile string
	dataDir string
}

// loadConfig reads the environment, optionally without LLM keys for
// commands that never translate.
func (c *commandContext) loadConfig(requireKeys bool) (*config.Config, error) {
	opts := make([]config.Option, 0, 2)
	if c.dataDir != "" {
		opts = append(opts, config.WithDataDir(c.dataDir))
	}
	if !requireKeys {
		opts = append(opts, config.WithoutAPIKey())
	}
	return config.NewFromEnv(opts...)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "ctxqueue",
		Short:         "Queue and run subtitle translations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(ctx.envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env-file", ".env", "Environment file to load before reading configuration")
	rootCmd.PersistentFlags().StringVar(&ctx.dataDir, "data-dir", "", "Override DATA_DIR")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))

	return rootCmd
}

// loadEnvFile loads path into the environment. A missing default file is
// not an error; variables already set win.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}
