package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
)

func newProcsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "procs <count>",
		Short: "Set how many items may run at the same time",
		Long:  "Set the processor count. Shrinking never stops running items; it only limits what starts next.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid processor count %q", args[0])
			}
			return withClient(cmd, true, func(ctx context.Context, c *client.Client) error {
				if err := c.SetProcessorCount(ctx, n); err != nil {
					return fmt.Errorf("set processor count: %w", err)
				}
				fmt.Printf("Processor count set to %d\n", n)
				return nil
			})
		},
	}
}

func newAutoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auto <on|off>",
		Short: "Turn autoprocessing on or off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("invalid value %q: want on or off", args[0])
			}
			return withClient(cmd, true, func(ctx context.Context, c *client.Client) error {
				if err := c.SetAutoprocessing(ctx, enabled); err != nil {
					return fmt.Errorf("set autoprocessing: %w", err)
				}
				fmt.Printf("Autoprocessing %s\n", onOff(enabled))
				return nil
			})
		},
	}
}
