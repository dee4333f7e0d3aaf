package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Handler processes one message. Returning nil acks it; returning an error
	// nacks it, with requeue unless the error is wrapped by Permanent.
	Handler interface {
		Handle(ctx context.Context, msg *Message) error
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, msg *Message) error

	// PayloadHandlerFunc is a type-safe handler for the decoded payload.
	PayloadHandlerFunc[T any] func(ctx context.Context, payload T) error
)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// NewPayloadHandler decodes the JSON payload into T before calling fn.
// A payload that does not decode is a permanent failure: retrying cannot fix it.
func NewPayloadHandler[T any](fn PayloadHandlerFunc[T]) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("failed to decode payload into %s: %w", qualifiedStructName(payload), err))
		}
		return fn(ctx, payload)
	})
}

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that the worker dead-letters the message immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
