package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"campus_pay_portal/internal/app"
	"campus_pay_portal/internal/config"
	"campus_pay_portal/internal/services"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operator tool for campus payment orders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(refundCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(reverifyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withCore loads configuration, wires the payment core and runs fn against it
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := services.NewLogger(cfg.AppEnv)
	if err != nil {
		return err
	}
	defer logger.Sync()

	core, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	return fn(cmd.Context(), core)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
