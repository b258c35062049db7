package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
	"github.com/Woutah/configurun/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [item-id]",
		Short: "Show queue or item status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, false, func(ctx context.Context, c *client.Client) error {
				state := c.State()
				if state == nil {
					return fmt.Errorf("no state received")
				}
				if len(args) == 0 {
					printQueueStatus(state, c.Controller())
					return nil
				}
				id, err := parseItemID(args[0])
				if err != nil {
					return err
				}
				it := state.Item(id)
				if it == nil {
					return &model.NotFoundError{ItemID: id}
				}
				printItemStatus(state, it)
				return nil
			})
		},
	}
}

func printQueueStatus(state *model.QueueSnapshot, controller string) {
	pending := 0
	terminal := 0
	for _, it := range state.Items {
		switch {
		case it.State.IsTerminal():
			terminal++
		case it.State == model.ItemStateQueued || it.State == model.ItemStatePaused:
			pending++
		}
	}
	fmt.Printf("Revision:       %d\n", state.Revision)
	fmt.Printf("Items:          %d pending, %d running, %d done\n",
		pending, busySlots(state), terminal)
	fmt.Printf("Processors:     %d (%d busy)\n", state.ProcessorCount, busySlots(state))
	fmt.Printf("Autoprocessing: %s\n", onOff(state.Autoprocessing))
	if controller == "" {
		controller = "(none)"
	}
	fmt.Printf("Controller:     %s\n", controller)
}

func printItemStatus(state *model.QueueSnapshot, it *model.QueueItem) {
	fmt.Printf("Item:      %d\n", it.ID)
	fmt.Printf("Name:      %s\n", it.Name)
	fmt.Printf("State:     %s\n", it.State)
	if pos := state.Position(it.ID); pos >= 0 {
		fmt.Printf("Position:  %d\n", pos)
	}
	fmt.Printf("Created:   %s\n", humanize.Time(it.CreatedAt))
	if it.StartedAt != nil {
		fmt.Printf("Started:   %s\n", humanize.Time(*it.StartedAt))
	}
	if it.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", humanize.Time(*it.CompletedAt))
		if it.StartedAt != nil {
			fmt.Printf("Runtime:   %s\n", it.CompletedAt.Sub(*it.StartedAt).Round(time.Second))
		}
	}
	if it.ExitCode != nil {
		fmt.Printf("Exit code: %d\n", *it.ExitCode)
	}
	if it.Error != "" {
		fmt.Printf("Error:     %s\n", it.Error)
	}
	actions := model.AvailableActions(it.State)
	if len(actions) > 0 {
		labels := make([]string, len(actions))
		for i, a := range actions {
			labels[i] = string(a)
		}
		fmt.Printf("Actions:   %s\n", strings.Join(labels, ", "))
	}
}

func parseItemID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", arg)
	}
	return id, nil
}
