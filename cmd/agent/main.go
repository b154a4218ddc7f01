package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xela07ax/agentvault/internal/bootstrap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agent",
		Short:         "agentvault worker: claims tasks, gates irreversible actions, recovers from failures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(
		newRunCmd(&configPath),
		newResumeCmd(&configPath),
		newSummaryCmd(&configPath),
		newSweepCmd(&configPath),
		newApprovalsCmd(&configPath),
		newDecideCmd(&configPath),
	)
	return root
}

// app — ресурсы из конфига плюс сборка циклов агента.
type app struct {
	*bootstrap.Env
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	env, err := bootstrap.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	return &app{Env: env}, nil
}
