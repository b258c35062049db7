package cli

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
	"github.com/Woutah/configurun/pkg/model"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		since  int64
	)

	cmd := &cobra.Command{
		Use:     "logs <item-id>",
		Aliases: []string{"watch"},
		Short:   "Print an item's captured output",
		Long:    "Print an item's captured stdout and stderr. With --follow, keep streaming until the item finishes.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, false, func(ctx context.Context, c *client.Client) error {
				return streamLogs(ctx, c, id, since, follow)
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming until the item finishes")
	cmd.Flags().Int64Var(&since, "since", 0, "First record offset to print")
	return cmd
}

// logBuffer decouples the client's read loop from terminal printing. add
// never blocks, whatever the printing side is doing.
type logBuffer struct {
	mu      sync.Mutex
	pending []model.OutputRecord
	notify  chan struct{}
}

func newLogBuffer() *logBuffer {
	return &logBuffer{notify: make(chan struct{}, 1)}
}

func (b *logBuffer) add(rec model.OutputRecord) {
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *logBuffer) drain() []model.OutputRecord {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	return batch
}

// streamLogs prints records as they arrive. Without --follow it stops once
// the stored history has drained; with --follow it stops when the item
// reaches a terminal state and the stream has gone quiet.
func streamLogs(ctx context.Context, c *client.Client, id, since int64, follow bool) error {
	buf := newLogBuffer()
	if err := c.WatchOutput(ctx, id, since, buf.add); err != nil {
		return fmt.Errorf("watch output: %w", err)
	}
	defer func() {
		// Best effort; the connection closes right after anyway.
		_ = c.UnwatchOutput(context.Background(), id)
	}()

	idle := 500 * time.Millisecond
	for {
		for _, rec := range buf.drain() {
			out := os.Stdout
			if rec.Stream == model.StreamStderr {
				out = os.Stderr
			}
			out.Write(rec.Data)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-buf.notify:
		case <-time.After(idle):
			var terminal bool
			if state := c.State(); state != nil {
				if it := state.Item(id); it != nil {
					terminal = it.State.IsTerminal()
				}
			}
			if !follow || terminal {
				return nil
			}
		}
	}
}
