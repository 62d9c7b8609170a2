package crawler

import (
	"context"
	"io"
	"time"
)

// Transport performs a single network fetch. Implementations must return an
// error only for transport-level failures; any HTTP status is a response.
type Transport interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue holds pending URLs in FIFO order without duplicates.
type Queue interface {
	Enqueue(url string) bool
	// Requeue returns a dequeued URL to the head of the queue.
	Requeue(url string) bool
	Dequeue() (string, bool)
	Len() int
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// FetchStore persists terminal fetch outcomes.
type FetchStore interface {
	StoreFetch(ctx context.Context, record FetchRecord) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for blob naming and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
