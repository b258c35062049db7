// Package output implements the append-only per-item log of captured worker
// output. Records are persisted to a LevelDB at the workspace so output
// survives restarts, and fanned out live to any number of subscribers.
package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Woutah/configurun/pkg/model"
)

// Store is the append-only output log. One writer per item (the bound
// worker runner), any number of concurrent readers.
type Store struct {
	db     *leveldb.DB
	logger *slog.Logger

	mu      sync.Mutex
	nextSeq map[int64]int64 // item id -> next record ordinal
	subs    map[int64][]*Subscription
}

// Subscription delivers records appended after the subscription was taken.
// A subscriber that cannot keep up misses records on the channel; Missed
// reports that, and the subscriber recovers by calling Store.Read from its
// last seen offset.
type Subscription struct {
	C      chan model.OutputRecord
	itemID int64
	store  *Store
	missed bool
	closed bool
}

// Open opens (or creates) the output database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open output db %s: %w", path, err)
	}
	return &Store{
		db:      db,
		logger:  logger.With("component", "output"),
		nextSeq: make(map[int64]int64),
		subs:    make(map[int64][]*Subscription),
	}, nil
}

// Close closes the database. Outstanding subscriptions are closed.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, subs := range s.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.C)
			}
		}
	}
	s.subs = make(map[int64][]*Subscription)
	s.mu.Unlock()
	return s.db.Close()
}

// Append records one chunk of worker output and notifies subscribers.
// It is the only mutator; offsets increase monotonically per item.
func (s *Store) Append(itemID int64, stream model.StreamTag, data []byte) (model.OutputRecord, error) {
	s.mu.Lock()
	seq, ok := s.nextSeq[itemID]
	if !ok {
		seq = s.lastSeqLocked(itemID) + 1
	}
	s.nextSeq[itemID] = seq + 1

	rec := model.OutputRecord{
		ItemID:    itemID,
		Offset:    seq,
		Stream:    stream,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	raw, err := json.Marshal(&rec)
	if err != nil {
		s.mu.Unlock()
		return model.OutputRecord{}, fmt.Errorf("marshal output record: %w", err)
	}
	if err := s.db.Put(recordKey(itemID, seq), raw, nil); err != nil {
		s.mu.Unlock()
		return model.OutputRecord{}, fmt.Errorf("put output record: %w", err)
	}

	// Non-blocking fan-out: a full subscriber is marked as having missed
	// records instead of stalling the writer.
	for _, sub := range s.subs[itemID] {
		if sub.closed {
			continue
		}
		select {
		case sub.C <- rec:
		default:
			sub.missed = true
		}
	}
	s.mu.Unlock()
	return rec, nil
}

// Read returns all records for the item with offset > since, in append
// order. Pass since = -1 for a full replay.
func (s *Store) Read(itemID int64, since int64) ([]model.OutputRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix(itemPrefix(itemID)), nil)
	defer iter.Release()

	var out []model.OutputRecord
	for iter.Next() {
		var rec model.OutputRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal output record: %w", err)
		}
		if rec.Offset > since {
			out = append(out, rec)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate output records: %w", err)
	}
	return out, nil
}

// Count returns the number of records stored for an item.
func (s *Store) Count(itemID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.nextSeq[itemID]; ok {
		return seq
	}
	return s.lastSeqLocked(itemID) + 1
}

// Trim deletes all records for an item. Called once a terminal item is
// removed from the queue and no subscriber needs replay.
func (s *Store) Trim(itemID int64) error {
	iter := s.db.NewIterator(util.BytesPrefix(itemPrefix(itemID)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate for trim: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("trim item %d: %w", itemID, err)
	}

	s.mu.Lock()
	delete(s.nextSeq, itemID)
	s.mu.Unlock()
	return nil
}

// Subscribe returns a subscription delivering records appended after this
// call. Earlier records are fetched with Read.
func (s *Store) Subscribe(itemID int64) *Subscription {
	sub := &Subscription{
		C:      make(chan model.OutputRecord, 64),
		itemID: itemID,
		store:  s,
	}
	s.mu.Lock()
	s.subs[itemID] = append(s.subs[itemID], sub)
	s.mu.Unlock()
	return sub
}

// Missed reports whether the subscriber fell behind and records were
// dropped from the channel.
func (sub *Subscription) Missed() bool {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	return sub.missed
}

// Close detaches the subscription.
func (sub *Subscription) Close() {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	subs := sub.store.subs[sub.itemID]
	for i, other := range subs {
		if other == sub {
			sub.store.subs[sub.itemID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(sub.C)
}

// lastSeqLocked finds the highest stored ordinal for an item, or -1.
func (s *Store) lastSeqLocked(itemID int64) int64 {
	iter := s.db.NewIterator(util.BytesPrefix(itemPrefix(itemID)), nil)
	defer iter.Release()

	last := int64(-1)
	if iter.Last() {
		var rec model.OutputRecord
		if err := json.Unmarshal(iter.Value(), &rec); err == nil {
			last = rec.Offset
		} else {
			s.logger.Warn("corrupt output record", "item_id", itemID, "error", err)
		}
	}
	return last
}

// recordKey encodes keys so lexicographic order equals append order.
func recordKey(itemID, seq int64) []byte {
	return []byte(fmt.Sprintf("o/%016x/%016x", itemID, seq))
}

func itemPrefix(itemID int64) []byte {
	return []byte(fmt.Sprintf("o/%016x/", itemID))
}
