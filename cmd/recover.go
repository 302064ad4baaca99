package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iamdavid-vaughan/deploysub/internal/ledger"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
	"github.com/iamdavid-vaughan/deploysub/internal/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Force the out-of-band recovery channel against this project's VM",
	Long: `recover is the manual escape hatch: it pivots straight to the
cloud-vendor recovery channel without first trying the SSH Session
Broker, for when an operator already knows SSH is unreachable and
wants to reset the host's sshd configuration immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		log := logging.New(os.Stderr, "recover", viper.GetBool("debug"))

		store, err := ledger.Open(viper.GetString("project_dir"))
		if err != nil {
			fatalExit(err)
		}
		if !store.Exists() {
			fatalExit(fmt.Errorf("no deployment state found; nothing to recover"))
		}
		state, err := store.Load()
		if err != nil {
			fatalExit(err)
		}

		vmRec, ok := state.Ledger.Lookup(model.KindVM)
		if !ok {
			fatalExit(fmt.Errorf("no vm recorded in state; nothing to recover"))
		}

		ch, err := recovery.New(ctx, state.Project.Region, vmRec.ProviderID, log)
		if err != nil {
			fatalExit(err)
		}
		if err := ch.Run(ctx); err != nil {
			fatalExit(err)
		}
		log.Status("recovery channel completed; retry apply or resume")
		return nil
	},
}
