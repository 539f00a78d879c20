package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/storefront/backend/internal/bootstrap"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "state",
	Short:   "Inspect and drain the offline write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the writes waiting for the remote store, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			ops, err := rt.Engine.PendingOperations(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, ops)
		})
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Submit queued writes to the remote store now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			res := rt.Engine.FlushQueue(ctx)
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !res.Interrupted {
				return res.Err
			}
			return nil
		})
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List writes the remote store kept rejecting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			dead, err := rt.Engine.DeadLetters(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, dead)
		})
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <operation-id>",
	Short: "Move a dead letter back into the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			op, err := rt.Engine.Requeue(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, op)
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <operation-id>",
	Short: "Delete a dead letter for good",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			if err := rt.Engine.Discard(ctx, args[0]); err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"discarded": args[0]})
		})
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueFlushCmd, queueDeadCmd, queueRequeueCmd, queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}
