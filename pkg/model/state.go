package model

// ItemState represents the lifecycle state of a queue item.
type ItemState string

const (
	ItemStateQueued     ItemState = "QUEUED"
	ItemStatePaused     ItemState = "PAUSED"
	ItemStateRunning    ItemState = "RUNNING"
	ItemStateCancelling ItemState = "CANCELLING"
	ItemStateFinished   ItemState = "FINISHED"
	ItemStateFailed     ItemState = "FAILED"
	ItemStateCancelled  ItemState = "CANCELLED"
)

// String returns the string representation of the item state.
func (s ItemState) String() string {
	return string(s)
}

// IsTerminal returns true if the item is in a final state.
func (s ItemState) IsTerminal() bool {
	switch s {
	case ItemStateFinished, ItemStateFailed, ItemStateCancelled:
		return true
	}
	return false
}

// ValidItemTransitions defines the allowed state transitions for queue items.
var ValidItemTransitions = map[ItemState][]ItemState{
	ItemStateQueued:     {ItemStatePaused, ItemStateRunning, ItemStateCancelled},
	ItemStatePaused:     {ItemStateQueued, ItemStateCancelled},
	ItemStateRunning:    {ItemStateCancelling, ItemStateFinished, ItemStateFailed, ItemStateCancelled},
	ItemStateCancelling: {ItemStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s ItemState) CanTransitionTo(next ItemState) bool {
	for _, allowed := range ValidItemTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ItemAction is a command that can be applied to a queue item.
type ItemAction string

const (
	ActionRemove  ItemAction = "remove"
	ActionReorder ItemAction = "reorder"
	ActionPause   ItemAction = "pause"
	ActionResume  ItemAction = "resume"
	ActionCancel  ItemAction = "cancel"
)

// AvailableActions reports which item commands are legal for a state.
// The queue enforces the same rules; this exists so front-ends can grey out
// impossible actions without a round trip.
func AvailableActions(s ItemState) []ItemAction {
	switch s {
	case ItemStateQueued:
		return []ItemAction{ActionRemove, ActionReorder, ActionPause, ActionCancel}
	case ItemStatePaused:
		return []ItemAction{ActionRemove, ActionReorder, ActionResume, ActionCancel}
	case ItemStateRunning:
		return []ItemAction{ActionCancel}
	case ItemStateCancelling:
		return nil
	case ItemStateFinished, ItemStateFailed, ItemStateCancelled:
		return []ItemAction{ActionRemove}
	}
	return nil
}

// StreamTag identifies which output stream a record came from.
type StreamTag string

const (
	StreamStdout StreamTag = "stdout"
	StreamStderr StreamTag = "stderr"
)
