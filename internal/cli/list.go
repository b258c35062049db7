package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
	"github.com/Woutah/configurun/pkg/model"
)

func newListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, c *client.Client) error {
				state := c.State()
				if state == nil || len(state.Items) == 0 {
					fmt.Println("Queue is empty.")
					return nil
				}

				fmt.Printf("%-6s  %-24s  %-11s  %-4s  %-16s  %s\n",
					"ID", "NAME", "STATE", "POS", "CREATED", "RESULT")
				for _, it := range state.Items {
					if !all && it.State.IsTerminal() {
						continue
					}
					fmt.Printf("%-6d  %-24s  %-11s  %-4s  %-16s  %s\n",
						it.ID, truncate(it.Name, 24), it.State,
						positionLabel(state, it),
						humanize.Time(it.CreatedAt),
						resultLabel(it))
				}

				fmt.Printf("\nProcessors: %d (%d busy)   Autoprocessing: %s\n",
					state.ProcessorCount, busySlots(state), onOff(state.Autoprocessing))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include finished, failed and cancelled items")
	return cmd
}

func positionLabel(state *model.QueueSnapshot, it *model.QueueItem) string {
	if pos := state.Position(it.ID); pos >= 0 {
		return fmt.Sprintf("%d", pos)
	}
	return "-"
}

func resultLabel(it *model.QueueItem) string {
	switch {
	case it.Error != "":
		return truncate(it.Error, 40)
	case it.ExitCode != nil:
		return fmt.Sprintf("exit %d", *it.ExitCode)
	default:
		return ""
	}
}

func busySlots(state *model.QueueSnapshot) int {
	n := 0
	for _, slot := range state.Slots {
		if slot.Occupied() {
			n++
		}
	}
	return n
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
