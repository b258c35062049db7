package store

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/Woutah/configurun/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleItem(id int64) *model.QueueItem {
	return &model.QueueItem{
		ID:        id,
		Name:      "experiment",
		State:     model.ItemStateQueued,
		Config:    json.RawMessage(`{"lr":0.01}`),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSaveAndLoadItems(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	it := sampleItem(1)
	started := time.Now().UTC().Truncate(time.Millisecond)
	it.State = model.ItemStateRunning
	it.StartedAt = &started

	if err := st.SaveItem(ctx, it); err != nil {
		t.Fatalf("save: %v", err)
	}

	items, err := st.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	got := items[0]
	if got.ID != 1 || got.Name != "experiment" {
		t.Errorf("item = %+v", got)
	}
	if got.State != model.ItemStateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Errorf("completed_at = %v, want nil", got.CompletedAt)
	}
	if string(got.Config) != `{"lr":0.01}` {
		t.Errorf("config = %s", got.Config)
	}
}

func TestSaveItem_Overwrite(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	it := sampleItem(1)
	if err := st.SaveItem(ctx, it); err != nil {
		t.Fatalf("save: %v", err)
	}

	exit := 3
	it.State = model.ItemStateFailed
	it.ExitCode = &exit
	it.Error = "boom"
	it.ErrKind = string(model.ErrJobFailure)
	if err := st.SaveItem(ctx, it); err != nil {
		t.Fatalf("update: %v", err)
	}

	items, err := st.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	got := items[0]
	if got.State != model.ItemStateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("exit_code = %v, want 3", got.ExitCode)
	}
	if got.Error != "boom" || got.ErrKind != string(model.ErrJobFailure) {
		t.Errorf("error = %q kind = %q", got.Error, got.ErrKind)
	}
}

func TestDeleteItem(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := st.SaveItem(ctx, sampleItem(i)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if err := st.DeleteItem(ctx, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}

	items, err := st.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].ID != 1 || items[1].ID != 3 {
		t.Errorf("ids = %d, %d", items[0].ID, items[1].ID)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	fresh, err := st.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load fresh: %v", err)
	}
	if fresh != nil {
		t.Fatalf("fresh settings = %+v, want nil", fresh)
	}

	set := &Settings{
		Order:          []int64{3, 1, 2},
		ProcessorCount: 4,
		Autoprocessing: true,
		NextID:         7,
		Revision:       42,
	}
	if err := st.SaveSettings(ctx, set); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("got nil settings")
	}
	if got.ProcessorCount != 4 || !got.Autoprocessing || got.NextID != 7 || got.Revision != 42 {
		t.Errorf("settings = %+v", got)
	}
	if len(got.Order) != 3 || got.Order[0] != 3 || got.Order[2] != 2 {
		t.Errorf("order = %v", got.Order)
	}

	// Second save replaces, not appends.
	set.Revision = 43
	if err := st.SaveSettings(ctx, set); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err = st.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load again: %v", err)
	}
	if got.Revision != 43 {
		t.Errorf("revision = %d, want 43", got.Revision)
	}
}
