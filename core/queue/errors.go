package queue

import (
	"errors"

	"github.com/forgeworks/workq/pkg/breaker"
)

var (
	// ErrStoreUnavailable wraps transport-level failures of the backing store.
	ErrStoreUnavailable = errors.New("queue store unavailable")
	// ErrCircuitOpen is returned without touching the store while the breaker is open.
	ErrCircuitOpen = breaker.ErrOpen
	// ErrMessageNotFound means there is no live lease for the id. It is expected after
	// the reaper reclaimed a lease and callers may treat it as benign.
	ErrMessageNotFound = errors.New("message not found")
	// ErrRetriesExhausted triggers dead-lettering and never reaches callers.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrUndecodable marks a stored message body that this build cannot decode.
	// Such messages are dead-lettered without retries.
	ErrUndecodable = errors.New("message body cannot be decoded")

	ErrQueueEmpty        = errors.New("queue is empty")
	ErrUnknownQueue      = errors.New("unknown queue")
	ErrStoreNil          = errors.New("store is nil")
	ErrPayloadNil        = errors.New("payload cannot be nil")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrInvalidConfig     = errors.New("invalid queue configuration")
	ErrConsumerClosed    = errors.New("consumer is closed")
	ErrNoHandlers        = errors.New("no handlers registered")
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotStarted        = errors.New("not started")
	ErrShutdownTimeout   = errors.New("shutdown timeout exceeded")
	ErrHealthcheckFailed = errors.New("queue healthcheck failed")
	ErrWorkerOverloaded  = errors.New("worker is overloaded")
)
