package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/translation-orchestrator/internal/config"
	"github.com/MimeLyc/translation-orchestrator/internal/service"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the translation queue and queue maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig(true)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			closeLog, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := service.New(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Error("Failed to close service: %v", err)
				}
			}()

			log.Info("Serving queue from %s", cfg.System.DataDir)
			return svc.Run(runCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Override HTTP_ADDR")
	return cmd
}

// setupLogging installs the global logger from LOG_LEVEL and LOG_FILE.
func setupLogging(cfg *config.Config) (func(), error) {
	level := log.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		log.InitLogger(level)
		return func() {}, nil
	}

	fileLogger, err := log.NewFileLogger(cfg.Log.File, level)
	if err != nil {
		return nil, err
	}
	log.SetLogger(fileLogger.Logger)
	return func() {
		log.InitLogger(level)
		_ = fileLogger.Close()
	}, nil
}
