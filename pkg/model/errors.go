package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine and protocol errors on the wire.
type ErrorCode string

const (
	ErrInvalidState   ErrorCode = "INVALID_STATE"
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrLostWorker     ErrorCode = "LOST_WORKER"
	ErrJobFailure     ErrorCode = "JOB_FAILURE"
	ErrProtocol       ErrorCode = "PROTOCOL"
	ErrConnectionLost ErrorCode = "CONNECTION_LOST"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrNotController  ErrorCode = "NOT_CONTROLLER"
	ErrQueueClosed    ErrorCode = "QUEUE_CLOSED"
	ErrInternal       ErrorCode = "INTERNAL"
)

// InvalidStateError is returned when an operation is not valid for an item's
// current state, e.g. removing a running item. The queue state is unchanged.
type InvalidStateError struct {
	ItemID int64
	State  ItemState
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s item %d in state %s", e.Op, e.ItemID, e.State)
}

// Code returns ErrInvalidState.
func (e *InvalidStateError) Code() ErrorCode { return ErrInvalidState }

// NotFoundError is returned when an item id is unknown to the queue.
type NotFoundError struct {
	ItemID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item %d not found", e.ItemID)
}

// Code returns ErrNotFound.
func (e *NotFoundError) Code() ErrorCode { return ErrNotFound }

// AuthenticationError is returned for a bad credential or exhausted attempts.
type AuthenticationError struct {
	Reason       string
	AttemptsLeft int
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// Code returns ErrAuthentication.
func (e *AuthenticationError) Code() ErrorCode { return ErrAuthentication }

// LostWorkerError is recorded when a worker process vanished without a
// completion signal (killed externally, channel broke).
type LostWorkerError struct {
	ItemID int64
	Detail string
}

func (e *LostWorkerError) Error() string {
	return fmt.Sprintf("lost worker for item %d: %s", e.ItemID, e.Detail)
}

// Code returns ErrLostWorker.
func (e *LostWorkerError) Code() ErrorCode { return ErrLostWorker }

// JobFailure is recorded when the worker process exited non-zero.
type JobFailure struct {
	ItemID   int64
	ExitCode int
}

func (e *JobFailure) Error() string {
	return fmt.Sprintf("job for item %d exited with code %d", e.ItemID, e.ExitCode)
}

// Code returns ErrJobFailure.
func (e *JobFailure) Code() ErrorCode { return ErrJobFailure }

// NotControllerError is returned when a session without control issues a
// state-changing command.
type NotControllerError struct {
	Controller string // current controller label, empty when control is free
}

func (e *NotControllerError) Error() string {
	if e.Controller == "" {
		return "session does not hold control"
	}
	return fmt.Sprintf("session does not hold control (held by %s)", e.Controller)
}

// Code returns ErrNotController.
func (e *NotControllerError) Code() ErrorCode { return ErrNotController }

// ProtocolError is returned for malformed or out-of-sequence messages.
// It forces the session to the closed state.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// Code returns ErrProtocol.
func (e *ProtocolError) Code() ErrorCode { return ErrProtocol }

// ErrConnLost indicates the transport to the peer failed. Clients are
// expected to reconnect and resync using revision numbers.
var ErrConnLost = errors.New("connection lost")

// ErrClosed indicates the queue no longer accepts commands.
var ErrClosed = errors.New("queue closed")

// coder is implemented by the typed errors above.
type coder interface{ Code() ErrorCode }

// CodeOf maps an error to its wire code.
func CodeOf(err error) ErrorCode {
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, ErrConnLost) {
		return ErrConnectionLost
	}
	if errors.Is(err, ErrClosed) {
		return ErrQueueClosed
	}
	return ErrInternal
}

// WireError is the serializable form of an engine error, reconstructed on
// the client side of a control session.
type WireError struct {
	ErrCode ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

// Code returns the wire code.
func (e *WireError) Code() ErrorCode { return e.ErrCode }

// NewWireError wraps any error for transmission.
func NewWireError(err error) *WireError {
	return &WireError{ErrCode: CodeOf(err), Message: err.Error()}
}
