package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iamdavid-vaughan/deploysub/internal/cost"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or resume a deployment, running every incomplete phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logging.New(os.Stderr, "apply", viper.GetBool("debug"))

		cfg, err := loadConfig(cfgFile)
		if err != nil {
			fatalExit(err)
		}
		if errList := cfg.Validate(); len(errList) > 0 {
			fatalExit(errList[0])
		}
		if err := runPreflight(cfg); err != nil {
			fatalExit(err)
		}

		estimate := cost.Estimate(cfg.Infrastructure.InstanceClass, int32(cfg.Infrastructure.RootVolumeGB))
		log.Note("estimated monthly cost:\n" + estimate.String())

		orch, err := buildOrchestrator(ctx, cfg, log)
		if err != nil {
			fatalExit(err)
		}
		applyErr := orch.Apply(ctx)
		recordRegistry(cfg, orch, log)
		if applyErr != nil {
			fatalExit(applyErr)
		}
		return nil
	},
}
