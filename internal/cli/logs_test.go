package cli

import (
	"testing"
	"time"

	"github.com/Woutah/configurun/pkg/model"
)

func TestLogBuffer_AddNeverBlocksWithoutReader(t *testing.T) {
	buf := newLogBuffer()

	// A burst far beyond any fixed channel capacity, with nothing
	// draining. add runs on the client's read loop and must return.
	added := make(chan struct{})
	go func() {
		defer close(added)
		for i := 0; i < 10000; i++ {
			buf.add(model.OutputRecord{ItemID: 1, Offset: int64(i)})
		}
	}()
	select {
	case <-added:
	case <-time.After(5 * time.Second):
		t.Fatal("add blocked during an output burst")
	}

	recs := buf.drain()
	if len(recs) != 10000 {
		t.Fatalf("drained %d records, want 10000", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != int64(i) {
			t.Fatalf("record %d has offset %d, arrival order lost", i, rec.Offset)
		}
	}
}

func TestLogBuffer_NotifyAndDrain(t *testing.T) {
	buf := newLogBuffer()

	buf.add(model.OutputRecord{Offset: 0})
	buf.add(model.OutputRecord{Offset: 1})
	select {
	case <-buf.notify:
	default:
		t.Fatal("no notification after add")
	}

	if got := len(buf.drain()); got != 2 {
		t.Fatalf("first drain = %d records, want 2", got)
	}
	if got := len(buf.drain()); got != 0 {
		t.Fatalf("second drain = %d records, want 0", got)
	}
}
