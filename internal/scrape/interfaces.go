package scrape

import (
	"context"
	"time"
)

// Acknowledger settles a consumed message with the broker.
type Acknowledger interface {
	Ack() error
	// Nack returns the message to the broker for redelivery.
	Nack() error
}

// Consumer streams deliveries from the input queue. Consume blocks until the
// context ends (returning nil) or the broker connection fails (returning an
// error wrapping ErrConnectionLost).
type Consumer interface {
	Consume(ctx context.Context, handle func(Delivery)) error
}

// Publisher pushes an encoded payload to the named queue and returns the
// broker-assigned message ID.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) (string, error)
}

// Fetcher fetches a URL. It never returns an error: every failure is carried
// by the returned Result.
type Fetcher interface {
	Fetch(ctx context.Context, url string) Result
}

// Limiter delays a fetch until the target host may be contacted again.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces tick and message identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
