package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iamdavid-vaughan/deploysub/internal/ledger"
	"github.com/iamdavid-vaughan/deploysub/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-phase status from state.json; with no project flags, list every known project",
	RunE: func(cmd *cobra.Command, args []string) error {
		explicit := cmd.Flags().Changed("project-dir")
		if !explicit {
			return listKnownProjects()
		}
		return printOneProjectStatus(viper.GetString("project_dir"))
	},
}

func listKnownProjects() error {
	path, err := registry.DefaultPath()
	if err != nil {
		return err
	}
	reg, err := registry.Open(path)
	if err != nil {
		return err
	}
	defer reg.Close()

	entries, err := reg.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no known projects; run apply from a project directory first")
		return nil
	}

	for _, e := range entries {
		lock := "unlocked"
		if e.LockPID != 0 {
			lock = fmt.Sprintf("locked by pid %d on %s", e.LockPID, e.LockHost)
		}
		fmt.Printf("%-20s %-10s phase=%-12s %-28s seen %s\n", e.Name, e.Provider, e.LastPhase, lock, e.LastSeenAt.Format(time.RFC3339))
	}
	return nil
}

func printOneProjectStatus(dir string) error {
	store, err := ledger.Open(dir)
	if err != nil {
		return err
	}
	if !store.Exists() {
		fmt.Println("no deployment state found in", dir)
		return nil
	}
	state, err := store.Load()
	if err != nil {
		return err
	}

	fmt.Printf("project:  %s (%s)\n", state.Project.Name, state.Project.Region)
	fmt.Printf("phase:    %s\n", state.Phase)
	if state.LastError != "" {
		fmt.Printf("error:    %s\n", state.LastError)
	}
	if state.HardeningState != nil {
		fmt.Println("hardening steps completed:")
		for _, s := range state.HardeningState.StepsSoFar() {
			fmt.Printf("  - %s\n", s)
		}
	}
	if state.DomainPlan != nil {
		for _, d := range state.DomainPlan.Entries {
			fmt.Printf("domain:   %s (%s)\n", d.Name, d.Challenge)
		}
	}
	if state.TLSState != nil {
		fmt.Printf("tls:      issued for %v\n", state.TLSState.IssuedFor)
	}
	return nil
}
