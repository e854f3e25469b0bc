package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/routstr/arbstr/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Long:  `Load and validate the configuration, then print a short summary. Exits non-zero when the configuration is invalid.`,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	fmt.Printf("Configuration OK (%d providers, %d policies)\n", len(cfg.Providers), len(cfg.Policies.Rules))
	fmt.Printf("  listen:            %s\n", cfg.Server.Listen)
	fmt.Printf("  management listen: %s\n", cfg.Server.ManagementListen)
	fmt.Printf("  database:          %s\n", cfg.Database.Path)
	fmt.Printf("  models:            %d\n", len(cfg.Models()))

	for _, w := range checkWarnings(cfgFile, cfg) {
		fmt.Printf("  warning: %s\n", w)
	}
	return nil
}

// checkWarnings reports conditions worth flagging that do not make the
// configuration invalid.
func checkWarnings(path string, cfg *config.Config) []string {
	var warns []string

	if dir := filepath.Dir(cfg.Database.Path); dir != "" && dir != "." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			warns = append(warns, fmt.Sprintf("database directory %s does not exist", dir))
		}
	}

	if path != "" {
		if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o004 != 0 {
			warns = append(warns, fmt.Sprintf("%s is world-readable and may hold API keys", path))
		}
	}

	return warns
}
