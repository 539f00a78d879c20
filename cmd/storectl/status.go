package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/storefront/backend/internal/bootstrap"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/infrastructure/subscription"
)

type statusOutput struct {
	offline.SyncStatus
	Collections   []string                      `json:"collections"`
	Subscriptions map[string]subscription.State `json:"subscriptions"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "state",
	Short:   "Show connectivity, queue depth and subscription state",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			return printJSON(cmd, statusOutput{
				SyncStatus:    rt.Engine.Status(ctx),
				Collections:   rt.Engine.Collections(),
				Subscriptions: rt.Engine.Subscriptions(),
			})
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	GroupID: "maintenance",
	Short:   "Refresh every collection from the remote store now",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			res, err := rt.Engine.Reconcile(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, reconcileCmd)
}
