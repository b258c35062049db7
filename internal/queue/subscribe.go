package queue

import "github.com/Woutah/configurun/pkg/model"

// subCap is the per-subscriber delta buffer. A subscriber that falls this
// far behind is cut off and must resubscribe for a fresh snapshot.
const subCap = 256

// Subscription delivers queue deltas in revision order. C is closed when
// the subscriber lags past its buffer, the subscription is closed, or the
// engine stops; after a close the consumer resubscribes and resyncs.
type Subscription struct {
	C chan model.Delta

	engine *Engine
	closed bool
}

// Subscribe registers an observer and returns the snapshot it starts from
// together with the delta stream continuing at snapshot.Revision+1.
func (e *Engine) Subscribe() (*model.QueueSnapshot, *Subscription, error) {
	var (
		snap *model.QueueSnapshot
		sub  *Subscription
	)
	err := e.do(func() error {
		snap = e.snapshotLocked()
		sub = &Subscription{
			C:      make(chan model.Delta, subCap),
			engine: e,
		}
		e.subs = append(e.subs, sub)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, sub, nil
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	_ = s.engine.do(func() error {
		for i, sub := range s.engine.subs {
			if sub == s {
				s.engine.subs = append(s.engine.subs[:i], s.engine.subs[i+1:]...)
				break
			}
		}
		s.closeLocked()
		return nil
	})
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// ReplaySince returns the deltas with revision > since, oldest first. The
// second return is false when since is too far back for the retained ring,
// in which case the caller needs a full snapshot instead.
func (e *Engine) ReplaySince(since int64) ([]model.Delta, bool) {
	var (
		deltas []model.Delta
		ok     bool
	)
	if err := e.do(func() error {
		if since >= e.revision {
			ok = true
			return nil
		}
		oldest := e.revision - int64(len(e.replay)) + 1
		if since < oldest-1 {
			return nil // fell off the ring
		}
		start := len(e.replay) - int(e.revision-since)
		for _, d := range e.replay[start:] {
			deltas = append(deltas, d)
		}
		ok = true
		return nil
	}); err != nil {
		return nil, false
	}
	return deltas, ok
}

// EmitControlChanged publishes a control handover through the revisioned
// delta stream so observers see one totally ordered sequence of changes.
// The queue state itself is untouched.
func (e *Engine) EmitControlChanged(controller string) error {
	return e.do(func() error {
		e.emit(model.Delta{Kind: model.DeltaControlChanged, Controller: controller})
		return nil
	})
}

// emit assigns the next revision to the delta, retains it for replay, and
// fans it out. Loop goroutine only; a full subscriber is cut, never waited
// on.
func (e *Engine) emit(d model.Delta) {
	e.revision++
	d.Revision = e.revision
	if len(e.replay) == replayCap {
		copy(e.replay, e.replay[1:])
		e.replay[len(e.replay)-1] = d
	} else {
		e.replay = append(e.replay, d)
	}
	e.persistSettings()

	kept := e.subs[:0]
	for _, sub := range e.subs {
		select {
		case sub.C <- d:
			kept = append(kept, sub)
		default:
			e.logger.Warn("dropping lagging queue subscriber", "revision", d.Revision)
			sub.closeLocked()
		}
	}
	e.subs = kept
}
