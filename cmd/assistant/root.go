package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/go-assistant/src/config"
	"github.com/Protocol-Lattice/go-assistant/src/runtime"
)

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "assistant",
		Short:        "Memory-backed conversational assistant",
		Long:         "assistant classifies each query, gathers conversation memory, and streams a generated answer with optional product suggestions.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (default: ./assistant.* or $HOME/.assistant/assistant.*)")

	open := func(ctx context.Context) (*runtime.Runtime, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return runtime.FromConfig(ctx, cfg)
	}

	rootCmd.AddCommand(
		newServeCmd(open),
		newAskCmd(open),
	)
	return rootCmd
}

type opener func(ctx context.Context) (*runtime.Runtime, error)
