package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Woutah/configurun/internal/protocol"
	"github.com/Woutah/configurun/pkg/model"
)

// RequestControl asks the server for control, demoting the current
// controller if any.
func (c *Client) RequestControl(ctx context.Context) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpRequestControl})
	return err
}

// ReleaseControl gives control up voluntarily.
func (c *Client) ReleaseControl(ctx context.Context) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpReleaseControl})
	return err
}

// Add enqueues a configuration and returns the assigned item id.
func (c *Client) Add(ctx context.Context, name string, config json.RawMessage) (int64, error) {
	res, err := c.do(ctx, &protocol.Command{Op: protocol.OpAddItem, Name: name, Config: config})
	if err != nil {
		return 0, err
	}
	return res.ItemID, nil
}

// Remove deletes a non-running item.
func (c *Client) Remove(ctx context.Context, itemID int64) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpRemoveItem, ItemID: itemID})
	return err
}

// Reorder moves an item to an absolute position in the pending order.
func (c *Client) Reorder(ctx context.Context, itemID int64, position int) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpReorder, ItemID: itemID, Position: position})
	return err
}

// MoveUp moves an item one position toward the queue head.
func (c *Client) MoveUp(ctx context.Context, itemID int64) error {
	return c.moveRelative(ctx, itemID, -1)
}

// MoveDown moves an item one position toward the queue tail.
func (c *Client) MoveDown(ctx context.Context, itemID int64) error {
	return c.moveRelative(ctx, itemID, +1)
}

// MoveTop moves an item to the queue head.
func (c *Client) MoveTop(ctx context.Context, itemID int64) error {
	return c.Reorder(ctx, itemID, 0)
}

// moveRelative computes the target position from the mirror. The server
// clamps, so a stale mirror cannot push an item out of bounds.
func (c *Client) moveRelative(ctx context.Context, itemID int64, offset int) error {
	state := c.State()
	if state == nil {
		return fmt.Errorf("not synchronized")
	}
	pos := state.Position(itemID)
	if pos < 0 {
		it := state.Item(itemID)
		if it == nil {
			return &model.NotFoundError{ItemID: itemID}
		}
		return &model.InvalidStateError{ItemID: itemID, State: it.State, Op: "reorder"}
	}
	target := pos + offset
	if target < 0 {
		target = 0
	}
	return c.Reorder(ctx, itemID, target)
}

// Pause pauses a queued item.
func (c *Client) Pause(ctx context.Context, itemID int64) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpPause, ItemID: itemID})
	return err
}

// Resume requeues a paused item at its original position.
func (c *Client) Resume(ctx context.Context, itemID int64) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpResume, ItemID: itemID})
	return err
}

// Cancel cancels a pending or running item.
func (c *Client) Cancel(ctx context.Context, itemID int64) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpCancel, ItemID: itemID})
	return err
}

// SetProcessorCount resizes the server's worker slot pool.
func (c *Client) SetProcessorCount(ctx context.Context, n int) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpSetProcessorCount, Count: n})
	return err
}

// SetAutoprocessing toggles automatic starting of queued items.
func (c *Client) SetAutoprocessing(ctx context.Context, enabled bool) error {
	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpSetAutoprocessing, Enabled: enabled})
	return err
}

// WatchOutput streams an item's output to fn, starting at the given record
// offset (0 replays everything stored). fn is called from the read loop and
// must not block.
func (c *Client) WatchOutput(ctx context.Context, itemID, since int64, fn OutputFunc) error {
	c.mu.Lock()
	c.watches[itemID] = fn
	c.mu.Unlock()

	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpWatchOutput, ItemID: itemID, Since: since})
	if err != nil {
		c.mu.Lock()
		delete(c.watches, itemID)
		c.mu.Unlock()
	}
	return err
}

// UnwatchOutput stops an output stream.
func (c *Client) UnwatchOutput(ctx context.Context, itemID int64) error {
	c.mu.Lock()
	delete(c.watches, itemID)
	c.mu.Unlock()

	_, err := c.do(ctx, &protocol.Command{Op: protocol.OpUnwatchOutput, ItemID: itemID})
	return err
}
