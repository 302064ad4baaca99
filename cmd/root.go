// Package cmd is the CLI surface: one subcommand per orchestrator
// operation (apply, resume, destroy, status, recover), all sharing the
// project directory and provider flags bound through viper in rootCmd's
// init.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deploysub",
	Short: "Deploys and hardens a single-tenant cloud application stack",
	Long: `deploysub provisions one VM, locks it down to a non-default SSH
port and a dedicated deployment user, points a domain at it, issues a
TLS certificate, and deploys the declared application — resumable at
any point and torn down cleanly by "destroy".`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "deploysub.yaml", "project configuration document (yaml or json)")
	rootCmd.PersistentFlags().String("project-dir", ".deploysub", "directory holding this project's state.json and state.lock")
	rootCmd.PersistentFlags().String("provider", "aws", "cloud provider: aws or gcp")
	rootCmd.PersistentFlags().String("gcp-project", "", "GCP project id (required when --provider=gcp)")
	rootCmd.PersistentFlags().String("gcp-zone", "", "GCP zone (required when --provider=gcp)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable verbose diagnostic logging")

	viper.BindPFlag("project_dir", rootCmd.PersistentFlags().Lookup("project-dir"))
	viper.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
	viper.BindPFlag("gcp_project", rootCmd.PersistentFlags().Lookup("gcp-project"))
	viper.BindPFlag("gcp_zone", rootCmd.PersistentFlags().Lookup("gcp-zone"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(applyCmd, resumeCmd, destroyCmd, statusCmd, recoverCmd)
}

func initConfig() {
	viper.SetEnvPrefix("DEPLOYSUB")
	viper.AutomaticEnv()
}

func fatalExit(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(exitCodeFor(err))
}
