package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/routstr/arbstr/internal/config"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers and their rates",
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		models := strings.Join(p.Models, ", ")
		if models == "" {
			models = "(any)"
		}
		fmt.Printf("%s\n", p.Name)
		fmt.Printf("  url:      %s\n", p.URL)
		fmt.Printf("  models:   %s\n", models)
		fmt.Printf("  rates:    in %d, out %d sats/1k, base fee %d sats\n",
			p.InputRate, p.OutputRate, p.BaseFee)
		fmt.Printf("  api key:  %s (%s)\n", p.APIKey.Masked(), p.KeySource)
		if i < len(cfg.Providers)-1 {
			fmt.Println()
		}
	}
	return nil
}
