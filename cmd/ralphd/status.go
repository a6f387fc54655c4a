package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ralph-build/ralphd/internal/daemon"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last tick's heartbeat from the daemon's status file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hbPath := filepath.Join(filepath.Dir(cfg.StateDBPath), "ralphd.heartbeat.json")
			hb, err := daemon.NewHeartbeatFile(hbPath).Read()
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("no heartbeat recorded yet (daemon hasn't completed a tick)")
					return nil
				}
				return fmt.Errorf("read heartbeat: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(hb)
		},
	}
}
