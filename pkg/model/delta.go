package model

import "encoding/json"

// DeltaKind identifies what changed in a queue state delta.
type DeltaKind string

const (
	DeltaItemAdded      DeltaKind = "item_added"
	DeltaItemRemoved    DeltaKind = "item_removed"
	DeltaItemUpdated    DeltaKind = "item_updated" // state/position/result change
	DeltaReordered      DeltaKind = "reordered"
	DeltaProcessorCount DeltaKind = "processor_count"
	DeltaAutoprocessing DeltaKind = "autoprocessing"
	DeltaControlChanged DeltaKind = "control_changed"
)

// Delta is one incremental change to the queue state. Deltas carry strictly
// increasing revision numbers; applying every delta after a snapshot's
// revision reproduces the server state exactly.
type Delta struct {
	Revision int64     `json:"revision"`
	Kind     DeltaKind `json:"kind"`

	Item           *QueueItem      `json:"item,omitempty"`            // item_added, item_updated
	ItemID         int64           `json:"item_id,omitempty"`         // item_removed
	Order          []int64         `json:"order,omitempty"`           // reordered
	Slots          []ProcessorSlot `json:"slots,omitempty"`           // item_updated (slot binding changed)
	ProcessorCount int             `json:"processor_count,omitempty"` // processor_count
	Autoprocessing bool            `json:"autoprocessing,omitempty"`  // autoprocessing
	Controller     string          `json:"controller,omitempty"`      // control_changed; empty = released
}

// Apply mutates a snapshot in place with the delta. The caller must apply
// deltas in revision order onto a snapshot with revision == delta.Revision-1
// (gaps mean a resync is required).
func (d *Delta) Apply(s *QueueSnapshot) {
	s.Revision = d.Revision
	switch d.Kind {
	case DeltaItemAdded:
		s.Items = append(s.Items, d.Item.Clone())
		if d.Order != nil {
			s.Order = append([]int64(nil), d.Order...)
		}
	case DeltaItemRemoved:
		for i, it := range s.Items {
			if it.ID == d.ItemID {
				s.Items = append(s.Items[:i], s.Items[i+1:]...)
				break
			}
		}
		if d.Order != nil {
			s.Order = append([]int64(nil), d.Order...)
		}
	case DeltaItemUpdated:
		for i, it := range s.Items {
			if it.ID == d.Item.ID {
				s.Items[i] = d.Item.Clone()
				break
			}
		}
		if d.Order != nil {
			s.Order = append([]int64(nil), d.Order...)
		}
		if d.Slots != nil {
			s.Slots = append([]ProcessorSlot(nil), d.Slots...)
		}
	case DeltaReordered:
		s.Order = append([]int64(nil), d.Order...)
	case DeltaProcessorCount:
		s.ProcessorCount = d.ProcessorCount
		if d.Slots != nil {
			s.Slots = append([]ProcessorSlot(nil), d.Slots...)
		}
	case DeltaAutoprocessing:
		s.Autoprocessing = d.Autoprocessing
	case DeltaControlChanged:
		// No queue-shape change; surfaced to sessions only.
	}
}

// Clone returns a deep copy of the snapshot.
func (s *QueueSnapshot) Clone() *QueueSnapshot {
	cp := &QueueSnapshot{
		Revision:       s.Revision,
		ProcessorCount: s.ProcessorCount,
		Autoprocessing: s.Autoprocessing,
		Order:          append([]int64(nil), s.Order...),
		Slots:          append([]ProcessorSlot(nil), s.Slots...),
	}
	cp.Items = make([]*QueueItem, len(s.Items))
	for i, it := range s.Items {
		cp.Items[i] = it.Clone()
	}
	return cp
}

// MarshalCompact is a helper for logging deltas without the config payload.
func (d *Delta) MarshalCompact() string {
	cp := *d
	if cp.Item != nil {
		it := *cp.Item
		it.Config = nil
		cp.Item = &it
	}
	b, err := json.Marshal(&cp)
	if err != nil {
		return string(d.Kind)
	}
	return string(b)
}
