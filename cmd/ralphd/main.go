// Command ralphd is the daemon composition root: it resolves configuration,
// wires the state store, session adapter, GitHub/Git ports, notifier, and
// worker, and either runs the tick loop or serves one of the operator
// subcommands against the same store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ralph-build/ralphd/internal/config"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ralphd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ralphd",
		Short: "Drives issues labeled for automation through plan, build, and review to a merged PR.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to ralph.yaml (default: ./ralph.yaml or $HOME/ralph.yaml)")
	root.PersistentFlags().String("profile", "", "sandbox or prod (overrides the config file's profile)")
	root.PersistentFlags().String("state_db_path", "", "")
	root.PersistentFlags().String("sessions_dir", "", "")
	root.PersistentFlags().String("log_level", "", "")
	root.PersistentFlags().String("metrics_addr", "", "")
	root.PersistentFlags().String("daemon_id", "", "stable identifier for this daemon process's lease ownership")

	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newTaskCommand())
	root.AddCommand(newMigrateCommand())

	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd, configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
