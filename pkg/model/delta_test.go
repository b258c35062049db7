package model

import (
	"testing"
	"time"
)

func snapshotFixture() *QueueSnapshot {
	return &QueueSnapshot{
		Revision: 5,
		Items: []*QueueItem{
			{ID: 1, Name: "a", State: ItemStateQueued, CreatedAt: time.Now().UTC()},
			{ID: 2, Name: "b", State: ItemStateQueued, CreatedAt: time.Now().UTC()},
		},
		Order:          []int64{1, 2},
		Slots:          []ProcessorSlot{{Index: 0}},
		ProcessorCount: 1,
		Autoprocessing: true,
	}
}

func TestApply_ItemAdded(t *testing.T) {
	s := snapshotFixture()
	d := Delta{
		Revision: 6,
		Kind:     DeltaItemAdded,
		Item:     &QueueItem{ID: 3, Name: "c", State: ItemStateQueued},
		Order:    []int64{1, 2, 3},
	}
	d.Apply(s)

	if s.Revision != 6 {
		t.Errorf("revision = %d, want 6", s.Revision)
	}
	if s.Item(3) == nil || s.Position(3) != 2 {
		t.Errorf("item 3 missing or misplaced; order = %v", s.Order)
	}
}

func TestApply_ItemRemoved(t *testing.T) {
	s := snapshotFixture()
	d := Delta{Revision: 6, Kind: DeltaItemRemoved, ItemID: 1, Order: []int64{2}}
	d.Apply(s)

	if s.Item(1) != nil {
		t.Error("item 1 still present")
	}
	if len(s.Order) != 1 || s.Order[0] != 2 {
		t.Errorf("order = %v, want [2]", s.Order)
	}
}

func TestApply_ItemUpdatedWithSlots(t *testing.T) {
	s := snapshotFixture()
	d := Delta{
		Revision: 6,
		Kind:     DeltaItemUpdated,
		Item:     &QueueItem{ID: 1, Name: "a", State: ItemStateRunning},
		Order:    []int64{2},
		Slots:    []ProcessorSlot{{Index: 0, ItemID: 1}},
	}
	d.Apply(s)

	if s.Item(1).State != ItemStateRunning {
		t.Errorf("state = %s, want running", s.Item(1).State)
	}
	if !s.Slots[0].Occupied() || s.Slots[0].ItemID != 1 {
		t.Errorf("slots = %v", s.Slots)
	}
	if s.Position(1) != -1 {
		t.Error("running item still in pending order")
	}
}

func TestApply_SettingsDeltas(t *testing.T) {
	s := snapshotFixture()

	(&Delta{Revision: 6, Kind: DeltaProcessorCount, ProcessorCount: 3,
		Slots: []ProcessorSlot{{Index: 0}, {Index: 1}, {Index: 2}}}).Apply(s)
	if s.ProcessorCount != 3 || len(s.Slots) != 3 {
		t.Errorf("count = %d slots = %d", s.ProcessorCount, len(s.Slots))
	}

	(&Delta{Revision: 7, Kind: DeltaAutoprocessing, Autoprocessing: false}).Apply(s)
	if s.Autoprocessing {
		t.Error("autoprocessing still on")
	}

	(&Delta{Revision: 8, Kind: DeltaReordered, Order: []int64{2, 1}}).Apply(s)
	if s.Order[0] != 2 || s.Order[1] != 1 {
		t.Errorf("order = %v", s.Order)
	}
	if s.Revision != 8 {
		t.Errorf("revision = %d, want 8", s.Revision)
	}
}

func TestSnapshotClone_Independent(t *testing.T) {
	s := snapshotFixture()
	cp := s.Clone()

	cp.Items[0].Name = "mutated"
	cp.Order[0] = 99
	cp.Slots[0].ItemID = 7

	if s.Items[0].Name != "a" || s.Order[0] != 1 || s.Slots[0].ItemID != 0 {
		t.Error("clone shares memory with original")
	}
}

func TestDeltaReplay_ReproducesState(t *testing.T) {
	// A snapshot plus every later delta must equal the final state.
	s := snapshotFixture()
	final := s.Clone()

	deltas := []Delta{
		{Revision: 6, Kind: DeltaItemAdded,
			Item: &QueueItem{ID: 3, Name: "c", State: ItemStateQueued}, Order: []int64{1, 2, 3}},
		{Revision: 7, Kind: DeltaItemUpdated,
			Item: &QueueItem{ID: 1, State: ItemStateRunning}, Order: []int64{2, 3},
			Slots: []ProcessorSlot{{Index: 0, ItemID: 1}}},
		{Revision: 8, Kind: DeltaReordered, Order: []int64{3, 2}},
	}
	for i := range deltas {
		deltas[i].Apply(final)
	}

	replayed := s.Clone()
	for i := range deltas {
		deltas[i].Apply(replayed)
	}

	if replayed.Revision != final.Revision {
		t.Fatalf("revision = %d, want %d", replayed.Revision, final.Revision)
	}
	if len(replayed.Items) != len(final.Items) {
		t.Fatalf("items = %d, want %d", len(replayed.Items), len(final.Items))
	}
	for i := range replayed.Order {
		if replayed.Order[i] != final.Order[i] {
			t.Fatalf("order = %v, want %v", replayed.Order, final.Order)
		}
	}
}
