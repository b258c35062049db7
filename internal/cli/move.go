package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
)

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <item-id> <up|down|top|position>",
		Short: "Move a pending item within the queue order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, true, func(ctx context.Context, c *client.Client) error {
				switch args[1] {
				case "up":
					err = c.MoveUp(ctx, id)
				case "down":
					err = c.MoveDown(ctx, id)
				case "top":
					err = c.MoveTop(ctx, id)
				default:
					pos, perr := strconv.Atoi(args[1])
					if perr != nil || pos < 0 {
						return fmt.Errorf("invalid target %q: want up, down, top or a position", args[1])
					}
					err = c.Reorder(ctx, id, pos)
				}
				if err != nil {
					return fmt.Errorf("move item %d: %w", id, err)
				}
				fmt.Printf("Item %d moved %s\n", id, args[1])
				return nil
			})
		},
	}
}
