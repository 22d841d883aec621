package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"campus_pay_portal/internal/app"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the payment tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				if err := core.Migrate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migration complete")
				return nil
			})
		},
	}
}
