package output

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Woutah/configurun/pkg/model"
)

func testOutputStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := Open(filepath.Join(t.TempDir(), "output"), logger)
	if err != nil {
		t.Fatalf("open output store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAppendAssignsSequentialOffsets(t *testing.T) {
	st := testOutputStore(t)

	for i := 0; i < 5; i++ {
		rec, err := st.Append(1, model.StreamStdout, []byte("line\n"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if rec.Offset != int64(i) {
			t.Errorf("offset = %d, want %d", rec.Offset, i)
		}
	}
	if n := st.Count(1); n != 5 {
		t.Errorf("count = %d, want 5", n)
	}

	// Offsets are per item.
	rec, err := st.Append(2, model.StreamStderr, []byte("other\n"))
	if err != nil {
		t.Fatalf("append item 2: %v", err)
	}
	if rec.Offset != 0 {
		t.Errorf("item 2 offset = %d, want 0", rec.Offset)
	}
}

func TestReadSince(t *testing.T) {
	st := testOutputStore(t)

	for i := 0; i < 4; i++ {
		if _, err := st.Append(7, model.StreamStdout, []byte{byte('a' + i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := st.Read(7, -1)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	if string(all[0].Data) != "a" || string(all[3].Data) != "d" {
		t.Errorf("records out of order: %q ... %q", all[0].Data, all[3].Data)
	}

	tail, err := st.Read(7, 1)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail len = %d, want 2", len(tail))
	}
	if tail[0].Offset != 2 {
		t.Errorf("tail first offset = %d, want 2", tail[0].Offset)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	path := filepath.Join(t.TempDir(), "output")

	st, err := Open(path, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.Append(1, model.StreamStdout, []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	rec, err := st.Append(1, model.StreamStdout, []byte("y"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if rec.Offset != 3 {
		t.Errorf("offset after reopen = %d, want 3", rec.Offset)
	}
}

func TestTrim(t *testing.T) {
	st := testOutputStore(t)

	for i := 0; i < 3; i++ {
		if _, err := st.Append(1, model.StreamStdout, []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := st.Append(2, model.StreamStdout, []byte("keep")); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := st.Trim(1); err != nil {
		t.Fatalf("trim: %v", err)
	}

	recs, err := st.Read(1, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("records after trim = %d, want 0", len(recs))
	}
	kept, err := st.Read(2, -1)
	if err != nil {
		t.Fatalf("read kept: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("other item records = %d, want 1", len(kept))
	}
}

func TestSubscribeDeliversLiveRecords(t *testing.T) {
	st := testOutputStore(t)

	sub := st.Subscribe(1)
	defer sub.Close()

	if _, err := st.Append(1, model.StreamStderr, []byte("err\n")); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case rec := <-sub.C:
		if rec.Stream != model.StreamStderr || string(rec.Data) != "err\n" {
			t.Errorf("record = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("no record delivered")
	}
}

func TestSubscribeMissedFlag(t *testing.T) {
	st := testOutputStore(t)

	sub := st.Subscribe(1)
	defer sub.Close()

	// Overrun the subscription buffer without consuming.
	for i := 0; i < cap(sub.C)+10; i++ {
		if _, err := st.Append(1, model.StreamStdout, []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if !sub.Missed() {
		t.Error("missed flag not set after overrun")
	}

	// The store still has everything for recovery.
	recs, err := st.Read(1, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != cap(sub.C)+10 {
		t.Errorf("stored records = %d, want %d", len(recs), cap(sub.C)+10)
	}
}
