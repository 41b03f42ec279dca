package logfile

import (
	"time"

	"github.com/devrev/pairdb/changelog/internal/model"
)

// Key is the constraint on log keys: a total order plus a printable form.
type Key[K any] interface {
	Compare(other K) int
	String() string
}

// RecordParser converts records to and from their on-disk payload.
// Decoding what Encode produced must yield an equal record.
type RecordParser[K any, V any] interface {
	EncodeRecord(rec model.Record[K, V]) ([]byte, error)
	DecodeRecord(data []byte) (model.Record[K, V], error)
}

// PositionStrategy decides where a cursor lands relative to its start key.
type PositionStrategy int

const (
	// OnMatchingKey lands on the start key when present.
	OnMatchingKey PositionStrategy = iota
	// AfterMatchingKey lands just after the start key.
	AfterMatchingKey
)

func (s PositionStrategy) String() string {
	if s == AfterMatchingKey {
		return "after_matching_key"
	}
	return "on_matching_key"
}

// Observer receives log activity, typically to feed metrics.
type Observer interface {
	ObserveAppend(elapsed time.Duration, bytes int)
	ObserveRotation()
	ObservePurge(segments int, records int64)
	ObserveCursorOpen()
}

// NoopObserver is used when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) ObserveAppend(time.Duration, int) {}
func (NoopObserver) ObserveRotation()                 {}
func (NoopObserver) ObservePurge(int, int64)          {}
func (NoopObserver) ObserveCursorOpen()               {}

// WriteGuard is consulted before every append and may reject it.
type WriteGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}
