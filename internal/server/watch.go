package server

import (
	"sync"

	"github.com/Woutah/configurun/internal/output"
	"github.com/Woutah/configurun/internal/protocol"
	"github.com/Woutah/configurun/pkg/model"
)

// outputWatch streams one item's captured output to a session: stored
// history first, then live records. Offsets keep the stream gapless even
// when the live subscription drops records under load.
type outputWatch struct {
	sess     *session
	itemID   int64
	sub      *output.Subscription
	stopOnce sync.Once
}

// watchOutput starts streaming an item's output. since is the offset of the
// first record the client wants; 0 replays everything. Watching an already
// watched item is a no-op.
func (sess *session) watchOutput(itemID, since int64) error {
	if _, err := sess.srv.engine.Item(itemID); err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.watches == nil {
		sess.mu.Unlock()
		return model.ErrConnLost
	}
	if _, dup := sess.watches[itemID]; dup {
		sess.mu.Unlock()
		return nil
	}
	// Subscribe before reading history so no record can fall between the
	// two; overlap is deduplicated by offset.
	w := &outputWatch{
		sess:   sess,
		itemID: itemID,
		sub:    sess.srv.out.Subscribe(itemID),
	}
	sess.watches[itemID] = w
	sess.mu.Unlock()

	go w.run(since)
	return nil
}

// unwatchOutput stops streaming an item's output.
func (sess *session) unwatchOutput(itemID int64) {
	sess.mu.Lock()
	w := sess.watches[itemID]
	delete(sess.watches, itemID)
	sess.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

func (w *outputWatch) stop() {
	w.stopOnce.Do(func() {
		w.sub.Close()
	})
}

// run pumps records to the session until the watch or session ends.
func (w *outputWatch) run(since int64) {
	next := w.replayFrom(since)
	if next < 0 {
		return
	}

	for {
		select {
		case <-w.sess.done:
			return
		case rec, ok := <-w.sub.C:
			if !ok {
				return
			}
			if rec.Offset < next {
				continue // already delivered from history
			}
			if rec.Offset > next {
				// The subscription dropped records; backfill from the store.
				next = w.replayFrom(next)
				if next < 0 {
					return
				}
				continue
			}
			w.sess.send(&protocol.OutputChunk{Record: rec})
			next++
		}
	}
}

// replayFrom sends every stored record with offset >= from and returns the
// next expected offset, or -1 on failure.
func (w *outputWatch) replayFrom(from int64) int64 {
	recs, err := w.sess.srv.out.Read(w.itemID, from-1)
	if err != nil {
		w.sess.srv.logger.Error("read output history",
			"item_id", w.itemID, "error", err)
		return -1
	}
	next := from
	for _, rec := range recs {
		w.sess.send(&protocol.OutputChunk{Record: rec})
		next = rec.Offset + 1
	}
	return next
}
