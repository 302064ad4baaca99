package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iamdavid-vaughan/deploysub/internal/logging"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Tear down every resource this project created, in reverse order",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirmDestroy() {
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logging.New(os.Stderr, "destroy", viper.GetBool("debug"))

		cfg, err := loadConfig(cfgFile)
		if err != nil {
			fatalExit(err)
		}

		orch, err := buildOrchestrator(ctx, cfg, log)
		if err != nil {
			fatalExit(err)
		}
		if err := orch.Destroy(ctx); err != nil {
			fatalExit(err)
		}
		return nil
	},
}

func init() {
	destroyCmd.Flags().Bool("yes", false, "skip the interactive confirmation prompt")
}

func confirmDestroy() bool {
	fmt.Fprint(os.Stderr, "this will delete every cloud resource this project created. type \"yes\" to continue: ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line) == "yes"
}
