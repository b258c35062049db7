package store

import (
	"context"

	"github.com/Woutah/configurun/pkg/model"
)

// Settings are the queue-level knobs persisted alongside the items.
type Settings struct {
	Order          []int64 `json:"order"` // pending traversal order
	ProcessorCount int     `json:"processor_count"`
	Autoprocessing bool    `json:"autoprocessing"`
	NextID         int64   `json:"next_id"` // ids are never reused across restarts
	Revision       int64   `json:"revision"`
}

// Store defines the persistence layer for queue state. Every structural
// change is written through so a restart can resume exactly.
type Store interface {
	// Item persistence
	SaveItem(ctx context.Context, item *model.QueueItem) error
	DeleteItem(ctx context.Context, id int64) error
	LoadItems(ctx context.Context) ([]*model.QueueItem, error)

	// Queue-level settings
	SaveSettings(ctx context.Context, s *Settings) error
	LoadSettings(ctx context.Context) (*Settings, error) // nil on a fresh workspace

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
