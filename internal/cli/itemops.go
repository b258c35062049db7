package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
)

// itemOpCmd builds a command that applies one item-scoped operation.
func itemOpCmd(use, short string, op func(context.Context, *client.Client, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, true, func(ctx context.Context, c *client.Client) error {
				if err := op(ctx, c, id); err != nil {
					return fmt.Errorf("%s item %d: %w", use, id, err)
				}
				fmt.Printf("Item %d: %s requested\n", id, use)
				return nil
			})
		},
	}
}

func newPauseCmd() *cobra.Command {
	return itemOpCmd("pause", "Pause a queued item so autoprocessing skips it",
		func(ctx context.Context, c *client.Client, id int64) error { return c.Pause(ctx, id) })
}

func newResumeCmd() *cobra.Command {
	return itemOpCmd("resume", "Resume a paused item at its original position",
		func(ctx context.Context, c *client.Client, id int64) error { return c.Resume(ctx, id) })
}

func newCancelCmd() *cobra.Command {
	return itemOpCmd("cancel", "Cancel a pending or running item",
		func(ctx context.Context, c *client.Client, id int64) error { return c.Cancel(ctx, id) })
}

func newRemoveCmd() *cobra.Command {
	return itemOpCmd("remove", "Remove a non-running item and its captured output",
		func(ctx context.Context, c *client.Client, id int64) error { return c.Remove(ctx, id) })
}
