package main

import (
	"context"

	"github.com/spf13/cobra"

	"campus_pay_portal/internal/app"
	"campus_pay_portal/internal/services"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [order_id]",
		Short: "Query the gateway and reconcile an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				result, err := core.Reconciler.Poll(ctx, args[0])
				if result != nil {
					if perr := printJSON(cmd, result); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func refundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refund [order_id]",
		Short: "Issue a full or partial refund",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("amount")
			note, _ := cmd.Flags().GetString("note")
			requestID, _ := cmd.Flags().GetString("request-id")

			amount, err := services.ParseAmount(raw)
			if err != nil {
				return err
			}
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				refund, err := core.Refunds.Refund(ctx, services.RefundRequest{
					OrderID:         args[0],
					Amount:          amount,
					Note:            note,
					UniqueRequestID: requestID,
					RequestedBy:     "paymentctl",
				})
				if refund != nil {
					if perr := printJSON(cmd, refund); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringP("amount", "a", "", "Refund amount, at most two decimal places")
	cmd.Flags().StringP("note", "n", "", "Note forwarded to the gateway")
	cmd.Flags().String("request-id", "", "Retry an earlier refund by its unique request id")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [order_id]",
		Short: "Create the service request for a paid order if it is missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				req, err := core.Reconciler.EnsureActivated(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, req)
			})
		},
	}
}

func reverifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverify [order_id]",
		Short: "Re-check signatures of every stored callback for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				results, err := core.Reconciler.Reverify(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
}
