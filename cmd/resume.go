package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iamdavid-vaughan/deploysub/internal/logging"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a deployment at its first incomplete phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logging.New(os.Stderr, "resume", viper.GetBool("debug"))

		cfg, err := loadConfig(cfgFile)
		if err != nil {
			fatalExit(err)
		}

		orch, err := buildOrchestrator(ctx, cfg, log)
		if err != nil {
			fatalExit(err)
		}
		resumeErr := orch.Resume(ctx)
		recordRegistry(cfg, orch, log)
		if resumeErr != nil {
			fatalExit(resumeErr)
		}
		return nil
	},
}
