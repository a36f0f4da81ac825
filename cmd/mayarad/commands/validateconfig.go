package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mayara-project/mayara/internal/config"
)

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file without starting the daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("validate config: %w", err)
			}
			fmt.Printf("config OK: metrics=%s log=%s/%s radar.interfaces=%v allowed_vendors=%v\n",
				cfg.Metrics.Addr, cfg.Log.Level, cfg.Log.Format, cfg.Radar.Interfaces, cfg.Radar.AllowedVendors)
			return nil
		},
	}
}
