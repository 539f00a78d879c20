package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/storefront/backend/internal/bootstrap"
	"github.com/storefront/backend/internal/domain/document"
)

type cacheOutput struct {
	Collection string              `json:"collection"`
	Cached     bool                `json:"cached"`
	UpdatedAt  *time.Time          `json:"updatedAt,omitempty"`
	Documents  []document.Document `json:"documents"`
}

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "state",
	Short:   "Inspect or clear the cached collection snapshots",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <collection>",
	Short: "Print the cached snapshot of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			name := args[0]
			if err := knownCollection(rt, name); err != nil {
				return err
			}
			out := cacheOutput{Collection: name, Documents: []document.Document{}}
			if entry, ok := rt.Engine.CacheEntry(ctx, name); ok {
				out.Cached = true
				out.UpdatedAt = &entry.UpdatedAt
				out.Documents = entry.Documents
			}
			return printJSON(cmd, out)
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [collection]",
	Short: "Drop the cached snapshot of one collection, or of all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			var name string
			if len(args) == 1 {
				name = args[0]
				if err := knownCollection(rt, name); err != nil {
					return err
				}
			}
			if err := rt.Engine.ClearCache(ctx, name); err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"cleared": name})
		})
	},
}

func knownCollection(rt *bootstrap.Runtime, name string) error {
	if !slices.Contains(rt.Engine.Collections(), name) {
		return fmt.Errorf("unknown collection %q, configured: %v", name, rt.Engine.Collections())
	}
	return nil
}

func init() {
	cacheCmd.AddCommand(cacheShowCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
