// Package queue implements the authoritative run-queue state machine: an
// ordered collection of runnable items, a bounded processor-slot pool, and a
// FIFO-with-skip autoprocessing policy.
//
// All state is owned by a single scheduler goroutine. Local callers, control
// sessions and worker-exit callbacks submit requests over channels instead of
// mutating state directly; the loop never blocks on worker or session I/O.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Woutah/configurun/internal/output"
	"github.com/Woutah/configurun/internal/runner"
	"github.com/Woutah/configurun/internal/store"
	"github.com/Woutah/configurun/pkg/model"
)

// replayCap bounds the delta ring kept for reconnecting observers. A client
// further behind than this gets a full snapshot instead of a replay.
const replayCap = 1024

// Worker is the handle the queue holds for the process bound to a running
// item. Done delivers exactly one terminal result; Cancel must not block.
type Worker interface {
	Done() <-chan runner.Result
	Cancel()
}

// StartFunc launches a worker process for an item. It is called from the
// scheduler loop and must return quickly; the returned Worker does the rest
// asynchronously.
type StartFunc func(item *model.QueueItem) (Worker, error)

// Config holds the queue's construction parameters.
type Config struct {
	ProcessorCount int
	Autoprocessing bool
}

// Engine is the run-queue state machine. Construct with New, run the
// scheduler with Run, and interact through the command methods, all of which
// are safe for concurrent use.
type Engine struct {
	logger      *slog.Logger
	st          store.Store
	out         *output.Store
	startWorker StartFunc

	reqCh  chan func()
	exitCh chan runner.Result
	stopCh chan struct{}
	doneCh chan struct{}

	// Everything below is owned by the scheduler goroutine.
	items     map[int64]*model.QueueItem
	order     []int64 // queued+paused ids, traversal order
	slots     []model.ProcessorSlot
	running   map[int64]Worker
	procCount int
	auto      bool
	nextID    int64
	revision  int64
	replay    []model.Delta
	subs      []*Subscription
	closed    bool
}

// New builds an engine, loading persisted state from the store. Items that
// were running at the previous shutdown are reloaded as failed with a
// lost-worker record; corrupt persisted state is a construction error.
func New(st store.Store, out *output.Store, startWorker StartFunc, cfg Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		logger:      logger.With("component", "queue"),
		st:          st,
		out:         out,
		startWorker: startWorker,
		reqCh:       make(chan func()),
		exitCh:      make(chan runner.Result),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		items:       make(map[int64]*model.QueueItem),
		running:     make(map[int64]Worker),
		procCount:   cfg.ProcessorCount,
		auto:        cfg.Autoprocessing,
		nextID:      1,
	}
	if e.procCount < 1 {
		e.procCount = 1
	}

	if err := e.load(); err != nil {
		return nil, fmt.Errorf("load queue state: %w", err)
	}
	e.slots = make([]model.ProcessorSlot, e.procCount)
	for i := range e.slots {
		e.slots[i].Index = i
	}
	return e, nil
}

// load restores items and settings from the store.
func (e *Engine) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items, err := e.st.LoadItems(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.State == model.ItemStateRunning || it.State == model.ItemStateCancelling {
			// The process that owned this item is gone.
			it.State = model.ItemStateFailed
			it.ErrKind = string(model.ErrLostWorker)
			it.Error = "worker lost: server stopped while item was running"
			now := time.Now().UTC()
			it.CompletedAt = &now
			if err := e.st.SaveItem(ctx, it); err != nil {
				return err
			}
			e.logger.Warn("reloaded running item as failed", "item_id", it.ID)
		}
		e.items[it.ID] = it
		if it.ID >= e.nextID {
			e.nextID = it.ID + 1
		}
	}

	set, err := e.st.LoadSettings(ctx)
	if err != nil {
		return err
	}
	if set == nil {
		return nil // fresh workspace
	}

	// Keep only ids that still exist and are still pending; preserve order.
	for _, id := range set.Order {
		if it, ok := e.items[id]; ok &&
			(it.State == model.ItemStateQueued || it.State == model.ItemStatePaused) {
			e.order = append(e.order, id)
		}
	}
	if set.ProcessorCount > 0 {
		e.procCount = set.ProcessorCount
	}
	e.auto = set.Autoprocessing
	if set.NextID > e.nextID {
		e.nextID = set.NextID
	}
	e.revision = set.Revision
	e.logger.Info("queue state loaded",
		"items", len(e.items), "pending", len(e.order), "revision", e.revision)
	return nil
}

// Run executes the scheduler loop. Blocks until ctx is cancelled or Stop is
// called, then force-stops running workers and persists final state.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("scheduler started", "processors", e.procCount, "autoprocessing", e.auto)
	defer close(e.doneCh)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-e.stopCh:
			e.shutdown()
			return nil
		case fn := <-e.reqCh:
			fn()
		case res := <-e.exitCh:
			e.handleExit(res)
		}
	}
}

// Stop shuts the scheduler down and waits for it to finish.
func (e *Engine) Stop() {
	select {
	case <-e.doneCh:
		return
	default:
	}
	close(e.stopCh)
	<-e.doneCh
}

// shutdown cancels running workers, waits a bounded time for their exits,
// and persists everything. Runs on the scheduler goroutine.
func (e *Engine) shutdown() {
	e.closed = true
	e.logger.Info("queue stopping", "running", len(e.running))

	for _, w := range e.running {
		w.Cancel()
	}

	deadline := time.After(15 * time.Second)
	for len(e.running) > 0 {
		select {
		case res := <-e.exitCh:
			e.handleExit(res)
		case <-deadline:
			// Mark whatever is left; the processes get SIGKILLed by the
			// runner's grace timer regardless.
			for id := range e.running {
				e.finishItem(id, runner.Result{
					ItemID: id, State: model.ItemStateCancelled, ExitCode: -1,
				})
			}
			e.running = make(map[int64]Worker)
		}
	}

	e.persistSettings()
	for _, sub := range e.subs {
		sub.closeLocked()
	}
	e.subs = nil
	e.logger.Info("queue stopped")
}

// do runs fn on the scheduler goroutine and waits for completion.
func (e *Engine) do(fn func() error) error {
	reply := make(chan error, 1)
	wrapped := func() { reply <- fn() }
	select {
	case e.reqCh <- wrapped:
		return <-reply
	case <-e.doneCh:
		return model.ErrClosed
	}
}

// --- Command surface ---

// Enqueue appends a configuration at the queue tail and returns the new
// item's id. Ids are assigned in arrival order and never reused.
func (e *Engine) Enqueue(name string, config json.RawMessage) (int64, error) {
	var id int64
	err := e.do(func() error {
		if e.closed {
			return model.ErrClosed
		}
		id = e.nextID
		e.nextID++
		it := &model.QueueItem{
			ID:        id,
			Name:      name,
			State:     model.ItemStateQueued,
			Config:    append(json.RawMessage(nil), config...),
			CreatedAt: time.Now().UTC(),
		}
		e.items[id] = it
		e.order = append(e.order, id)
		e.persistItem(it)
		e.emit(model.Delta{
			Kind:  model.DeltaItemAdded,
			Item:  it.Clone(),
			Order: append([]int64(nil), e.order...),
		})
		e.logger.Info("item enqueued", "item_id", id, "name", name, "position", len(e.order)-1)
		e.fillSlots()
		return nil
	})
	return id, err
}

// Remove deletes an item that is not running. The item's captured output is
// trimmed once removed.
func (e *Engine) Remove(id int64) error {
	return e.do(func() error {
		it, ok := e.items[id]
		if !ok {
			return &model.NotFoundError{ItemID: id}
		}
		if it.State == model.ItemStateRunning || it.State == model.ItemStateCancelling {
			return &model.InvalidStateError{ItemID: id, State: it.State, Op: "remove"}
		}
		delete(e.items, id)
		e.removeFromOrder(id)
		e.deleteItem(id)
		if err := e.out.Trim(id); err != nil {
			e.logger.Warn("trim output", "item_id", id, "error", err)
		}
		e.emit(model.Delta{
			Kind:   model.DeltaItemRemoved,
			ItemID: id,
			Order:  append([]int64(nil), e.order...),
		})
		e.logger.Info("item removed", "item_id", id)
		return nil
	})
}

// Reorder moves a queued or paused item to a new position in the pending
// order. Running items keep their slot regardless of list position.
func (e *Engine) Reorder(id int64, newPos int) error {
	return e.do(func() error {
		it, ok := e.items[id]
		if !ok {
			return &model.NotFoundError{ItemID: id}
		}
		if it.State != model.ItemStateQueued && it.State != model.ItemStatePaused {
			return &model.InvalidStateError{ItemID: id, State: it.State, Op: "reorder"}
		}
		e.removeFromOrder(id)
		if newPos < 0 {
			newPos = 0
		}
		if newPos > len(e.order) {
			newPos = len(e.order)
		}
		e.order = append(e.order, 0)
		copy(e.order[newPos+1:], e.order[newPos:])
		e.order[newPos] = id
		e.emit(model.Delta{
			Kind:  model.DeltaReordered,
			Order: append([]int64(nil), e.order...),
		})
		e.logger.Debug("item reordered", "item_id", id, "position", newPos)
		e.fillSlots()
		return nil
	})
}

// Pause marks a queued item paused. A paused item keeps its position but is
// skipped by autoprocessing.
func (e *Engine) Pause(id int64) error {
	return e.setPauseState(id, model.ItemStateQueued, model.ItemStatePaused, "pause")
}

// Resume returns a paused item to queued at its original position.
func (e *Engine) Resume(id int64) error {
	return e.setPauseState(id, model.ItemStatePaused, model.ItemStateQueued, "resume")
}

func (e *Engine) setPauseState(id int64, from, to model.ItemState, op string) error {
	return e.do(func() error {
		it, ok := e.items[id]
		if !ok {
			return &model.NotFoundError{ItemID: id}
		}
		if it.State != from {
			return &model.InvalidStateError{ItemID: id, State: it.State, Op: op}
		}
		it.State = to
		e.persistItem(it)
		e.emit(model.Delta{
			Kind:  model.DeltaItemUpdated,
			Item:  it.Clone(),
			Order: append([]int64(nil), e.order...),
		})
		e.logger.Info("item "+op+"d", "item_id", id)
		e.fillSlots()
		return nil
	})
}

// Cancel cancels an item. Queued and paused items become cancelled
// immediately; a running item transitions through cancelling while its
// worker is terminated (grace period, then kill).
func (e *Engine) Cancel(id int64) error {
	return e.do(func() error {
		it, ok := e.items[id]
		if !ok {
			return &model.NotFoundError{ItemID: id}
		}
		switch it.State {
		case model.ItemStateQueued, model.ItemStatePaused:
			it.State = model.ItemStateCancelled
			now := time.Now().UTC()
			it.CompletedAt = &now
			e.removeFromOrder(id)
			e.persistItem(it)
			e.emit(model.Delta{
				Kind:  model.DeltaItemUpdated,
				Item:  it.Clone(),
				Order: append([]int64(nil), e.order...),
			})
			e.logger.Info("item cancelled", "item_id", id)
			return nil
		case model.ItemStateRunning:
			it.State = model.ItemStateCancelling
			e.persistItem(it)
			e.emit(model.Delta{Kind: model.DeltaItemUpdated, Item: it.Clone()})
			e.running[id].Cancel()
			e.logger.Info("item cancelling", "item_id", id)
			return nil
		case model.ItemStateCancelling:
			return nil // already on its way
		default:
			return &model.InvalidStateError{ItemID: id, State: it.State, Op: "cancel"}
		}
	})
}

// SetProcessorCount resizes the slot pool. Shrinking never preempts running
// items; it only reduces future scheduling capacity, and occupied slots are
// released as their workers exit.
func (e *Engine) SetProcessorCount(n int) error {
	return e.do(func() error {
		if n < 1 {
			return fmt.Errorf("processor count must be >= 1, got %d", n)
		}
		e.procCount = n
		e.resizeSlots()
		e.emit(model.Delta{
			Kind:           model.DeltaProcessorCount,
			ProcessorCount: n,
			Slots:          append([]model.ProcessorSlot(nil), e.slots...),
		})
		e.logger.Info("processor count changed", "count", n)
		e.fillSlots()
		return nil
	})
}

// SetAutoprocessing toggles the autoprocessing policy. Enabling it
// immediately attempts to fill idle slots.
func (e *Engine) SetAutoprocessing(enabled bool) error {
	return e.do(func() error {
		if e.auto == enabled {
			return nil
		}
		e.auto = enabled
		e.emit(model.Delta{Kind: model.DeltaAutoprocessing, Autoprocessing: enabled})
		e.logger.Info("autoprocessing changed", "enabled", enabled)
		e.fillSlots()
		return nil
	})
}

// Snapshot returns a consistent deep copy of the queue state.
func (e *Engine) Snapshot() *model.QueueSnapshot {
	var snap *model.QueueSnapshot
	err := e.do(func() error {
		snap = e.snapshotLocked()
		return nil
	})
	if err != nil {
		// Engine already stopped; serve the final persisted picture.
		return &model.QueueSnapshot{Revision: e.revision}
	}
	return snap
}

// Item returns a copy of one item.
func (e *Engine) Item(id int64) (*model.QueueItem, error) {
	var it *model.QueueItem
	err := e.do(func() error {
		found, ok := e.items[id]
		if !ok {
			return &model.NotFoundError{ItemID: id}
		}
		it = found.Clone()
		return nil
	})
	return it, err
}

// --- Scheduler internals (loop goroutine only) ---

// fillSlots starts the earliest queued item for every free slot while
// autoprocessing is on. Paused items are skipped and never block items
// behind them.
func (e *Engine) fillSlots() {
	if !e.auto || e.closed {
		return
	}
	for len(e.running) < e.procCount {
		id, ok := e.nextRunnable()
		if !ok {
			return
		}
		e.startItem(id)
	}
}

// nextRunnable returns the earliest-positioned queued item id.
func (e *Engine) nextRunnable() (int64, bool) {
	for _, id := range e.order {
		if e.items[id].State == model.ItemStateQueued {
			return id, true
		}
	}
	return 0, false
}

// startItem binds the item to a free slot and launches its worker.
func (e *Engine) startItem(id int64) {
	it := e.items[id]
	w, err := e.startWorker(it.Clone())
	if err != nil {
		// The process never started: failed, surfaced like any job error.
		e.removeFromOrder(id)
		it.State = model.ItemStateFailed
		it.Error = err.Error()
		it.ErrKind = string(model.ErrJobFailure)
		now := time.Now().UTC()
		it.CompletedAt = &now
		e.persistItem(it)
		e.emit(model.Delta{
			Kind:  model.DeltaItemUpdated,
			Item:  it.Clone(),
			Order: append([]int64(nil), e.order...),
		})
		e.logger.Error("worker start failed", "item_id", id, "error", err)
		return
	}

	e.removeFromOrder(id)
	it.State = model.ItemStateRunning
	now := time.Now().UTC()
	it.StartedAt = &now
	e.running[id] = w
	e.bindSlot(id)
	e.persistItem(it)
	e.emit(model.Delta{
		Kind:  model.DeltaItemUpdated,
		Item:  it.Clone(),
		Order: append([]int64(nil), e.order...),
		Slots: append([]model.ProcessorSlot(nil), e.slots...),
	})
	e.logger.Info("item started", "item_id", id)

	// Forward the single exit result to the loop without blocking it.
	go func() {
		res := <-w.Done()
		select {
		case e.exitCh <- res:
		case <-e.doneCh:
		}
	}()
}

// handleExit records a worker's terminal result and refills slots.
func (e *Engine) handleExit(res runner.Result) {
	if _, ok := e.running[res.ItemID]; !ok {
		return // late duplicate
	}
	delete(e.running, res.ItemID)
	e.finishItem(res.ItemID, res)
	e.resizeSlots()
	e.fillSlots()
}

// finishItem applies a terminal result to an item.
func (e *Engine) finishItem(id int64, res runner.Result) {
	it, ok := e.items[id]
	if !ok {
		return
	}
	state := res.State
	// An item the user cancelled reports cancelled regardless of how the
	// process actually exited.
	if it.State == model.ItemStateCancelling {
		state = model.ItemStateCancelled
	}
	it.State = state
	it.ExitCode = &res.ExitCode
	now := time.Now().UTC()
	it.CompletedAt = &now
	if res.Err != nil && state == model.ItemStateFailed {
		it.Error = res.Err.Error()
		it.ErrKind = string(model.CodeOf(res.Err))
	}
	e.unbindSlot(id)
	e.persistItem(it)
	e.emit(model.Delta{
		Kind:  model.DeltaItemUpdated,
		Item:  it.Clone(),
		Slots: append([]model.ProcessorSlot(nil), e.slots...),
	})
	e.logger.Info("item finished", "item_id", id, "state", state, "exit_code", res.ExitCode)
}

// bindSlot occupies the first free slot with the item.
func (e *Engine) bindSlot(id int64) {
	for i := range e.slots {
		if !e.slots[i].Occupied() {
			e.slots[i].ItemID = id
			return
		}
	}
	// All slots occupied can only happen transiently after a shrink; grow
	// so the running item stays visible.
	e.slots = append(e.slots, model.ProcessorSlot{Index: len(e.slots), ItemID: id})
}

func (e *Engine) unbindSlot(id int64) {
	for i := range e.slots {
		if e.slots[i].ItemID == id {
			e.slots[i].ItemID = 0
			return
		}
	}
}

// resizeSlots reconciles the slot pool with the configured processor count.
// Occupied slots are never dropped.
func (e *Engine) resizeSlots() {
	for len(e.slots) < e.procCount {
		e.slots = append(e.slots, model.ProcessorSlot{Index: len(e.slots)})
	}
	for len(e.slots) > e.procCount && !e.slots[len(e.slots)-1].Occupied() {
		e.slots = e.slots[:len(e.slots)-1]
	}
}

func (e *Engine) removeFromOrder(id int64) {
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

func (e *Engine) snapshotLocked() *model.QueueSnapshot {
	snap := &model.QueueSnapshot{
		Revision:       e.revision,
		Order:          append([]int64(nil), e.order...),
		Slots:          append([]model.ProcessorSlot(nil), e.slots...),
		ProcessorCount: e.procCount,
		Autoprocessing: e.auto,
	}
	// Items in id order for deterministic snapshots.
	for id := int64(1); id < e.nextID; id++ {
		if it, ok := e.items[id]; ok {
			snap.Items = append(snap.Items, it.Clone())
		}
	}
	return snap
}

// --- Persistence helpers (loop goroutine only) ---

func (e *Engine) persistItem(it *model.QueueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.st.SaveItem(ctx, it); err != nil {
		e.logger.Error("persist item", "item_id", it.ID, "error", err)
	}
}

func (e *Engine) deleteItem(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.st.DeleteItem(ctx, id); err != nil {
		e.logger.Error("delete item", "item_id", id, "error", err)
	}
}

func (e *Engine) persistSettings() {
	set := &store.Settings{
		Order:          append([]int64(nil), e.order...),
		ProcessorCount: e.procCount,
		Autoprocessing: e.auto,
		NextID:         e.nextID,
		Revision:       e.revision,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.st.SaveSettings(ctx, set); err != nil {
		e.logger.Error("persist settings", "error", err)
	}
}
