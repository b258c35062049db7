package model

import (
	"encoding/json"
	"time"
)

// QueueItem is one unit of work wrapping a configuration payload.
// The payload is opaque to the queue; only the job entry point interprets it.
type QueueItem struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	State  ItemState       `json:"state"`
	Config json.RawMessage `json:"config"` // codec envelope, opaque here

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExitCode is set once the worker process has exited. Nil while the
	// item has never run.
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
	ErrKind  string `json:"err_kind,omitempty"` // wire form of the error taxonomy
}

// Clone returns a deep copy of the item.
func (it *QueueItem) Clone() *QueueItem {
	cp := *it
	if it.Config != nil {
		cp.Config = append(json.RawMessage(nil), it.Config...)
	}
	if it.StartedAt != nil {
		t := *it.StartedAt
		cp.StartedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	if it.ExitCode != nil {
		c := *it.ExitCode
		cp.ExitCode = &c
	}
	return &cp
}

// ProcessorSlot is one unit of execution concurrency.
type ProcessorSlot struct {
	Index  int   `json:"index"`
	ItemID int64 `json:"item_id"` // 0 when the slot is idle
}

// Occupied reports whether an item is bound to the slot.
func (s ProcessorSlot) Occupied() bool {
	return s.ItemID != 0
}

// QueueSnapshot is a full copy of the authoritative queue state at a revision.
type QueueSnapshot struct {
	Revision       int64           `json:"revision"`
	Items          []*QueueItem    `json:"items"`
	Order          []int64         `json:"order"` // queued+paused item ids, traversal order
	Slots          []ProcessorSlot `json:"slots"`
	ProcessorCount int             `json:"processor_count"`
	Autoprocessing bool            `json:"autoprocessing"`
}

// Item returns the item with the given id, or nil.
func (s *QueueSnapshot) Item(id int64) *QueueItem {
	for _, it := range s.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Position returns the traversal position of an item in the pending order,
// or -1 when the item is not queued or paused.
func (s *QueueSnapshot) Position(id int64) int {
	for i, oid := range s.Order {
		if oid == id {
			return i
		}
	}
	return -1
}

// OutputRecord is one captured chunk of worker output.
type OutputRecord struct {
	ItemID    int64     `json:"item_id"`
	Offset    int64     `json:"offset"` // record ordinal, 0-based
	Stream    StreamTag `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}
