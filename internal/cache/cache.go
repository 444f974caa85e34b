package cache

import (
	"context"
	"time"
)

// DefaultRateLimitMessage is sent when a student is inside the cooldown window.
const DefaultRateLimitMessage = "Let’s pick this up soon—try again in a bit."

// Idempotency reports whether a carrier message id was already processed.
type Idempotency interface {
	// Seen records id on first call and reports true on every later call.
	Seen(ctx context.Context, carrierID string) (bool, error)
	// Release forgets id so a redelivery of a message that failed before a
	// reply was composed is processed again.
	Release(ctx context.Context, carrierID string) error
}

type Decision struct {
	Allowed bool
	Message string
}

type RateLimiter interface {
	Check(ctx context.Context, studentID string) (Decision, error)
	RecordCooldown(ctx context.Context, studentID string) error
}

type MessageCache interface {
	StoreSent(ctx context.Context, messageID, carrierID string, sentAt time.Time) error
}

// NoopIdempotency never reports a duplicate.
type NoopIdempotency struct{}

func (NoopIdempotency) Seen(context.Context, string) (bool, error) { return false, nil }

func (NoopIdempotency) Release(context.Context, string) error { return nil }

// AllowAll never throttles.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (AllowAll) RecordCooldown(context.Context, string) error { return nil }

type NoopMessageCache struct{}

func (NoopMessageCache) StoreSent(context.Context, string, string, time.Time) error { return nil }

var (
	_ Idempotency  = NoopIdempotency{}
	_ RateLimiter  = AllowAll{}
	_ MessageCache = NoopMessageCache{}
)
