// Package retry classifies bulk-request failures and schedules bounded
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ahrav/opstream/internal/domain/operation"
)

// Class is the retry-relevant category of a failure. Classification is
// decided once per failed attempt and drives both the retry decision and the
// diagnostic the caller surfaces.
type Class int

const (
	// ClassTransport covers connection failures, resets, and timeouts where
	// no HTTP status was received. Retryable.
	ClassTransport Class = iota

	// ClassServer covers 5xx responses. Retryable.
	ClassServer

	// ClassRateLimited covers 429 responses. Retryable.
	ClassRateLimited

	// ClassClient covers non-retryable 4xx responses.
	ClassClient

	// ClassValidation covers requests rejected before any attempt was made.
	ClassValidation

	// ClassCancelled covers deliberate caller cancellation. Never retried
	// and never reported as a failure.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassServer:
		return "server"
	case ClassRateLimited:
		return "rate_limited"
	case ClassClient:
		return "client"
	case ClassValidation:
		return "validation"
	case ClassCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether failures of this class may be retried at all.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransport, ClassServer, ClassRateLimited:
		return true
	default:
		return false
	}
}

// statusCoder is implemented by errors that carry an HTTP response status.
type statusCoder interface{ HTTPStatusCode() int }

// Classify maps an attempt failure onto the taxonomy. Context cancellation
// is distinguished from deadline expiry: the former is a deliberate stop,
// the latter a transport-level timeout.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransport
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	}

	var vErr operation.ValidationError
	if errors.As(err, &vErr) {
		return ClassValidation
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		switch {
		case code == 429:
			return ClassRateLimited
		case code >= 500:
			return ClassServer
		case code >= 400:
			return ClassClient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransport
	}

	// Anything else that reached the wire and failed is treated as a
	// transport fault.
	return ClassTransport
}

// Policy bounds how many attempts a request gets and how long to wait
// between them.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy returns the standard bulk-request policy: three attempts
// with exponential backoff capped well below a user's patience.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ShouldRetry reports whether another attempt is allowed after a failure of
// the given class on the given 1-based attempt number.
func (p Policy) ShouldRetry(class Class, attempt int) bool {
	return class.Retryable() && attempt < p.MaxAttempts
}

// DelayFor returns the backoff before the attempt following the given
// 1-based failed attempt. Delays grow by Multiplier and are capped at
// MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Wait blocks for the given delay or until the context is done, whichever
// comes first. Cancellation during a backoff window takes effect immediately.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
