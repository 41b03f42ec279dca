package changelog

import (
	"github.com/devrev/pairdb/changelog/internal/logfile"
)

// PositionStrategy decides where a cursor lands relative to its start key.
type PositionStrategy = logfile.PositionStrategy

const (
	OnMatchingKey    = logfile.OnMatchingKey
	AfterMatchingKey = logfile.AfterMatchingKey
)

// DBCursor iterates over the values of a changelog store in key order.
//
// A cursor opened OnMatchingKey on an existing key has that record current
// immediately. Otherwise Record returns nil until Next has returned true, and
// again once Next has returned false. Next returning false is not an error: it means no record
// is available yet and a later call may return true. Close must be called to
// release the underlying file handle.
type DBCursor[T any] interface {
	Record() T
	Next() (bool, error)
	Close() error
}

// valueCursor projects a log cursor onto record values.
type valueCursor[K logfile.Key[K], V any] struct {
	inner *logfile.Cursor[K, V]
}

func (c *valueCursor[K, V]) Record() *V {
	rec := c.inner.Record()
	if rec == nil {
		return nil
	}
	v := rec.Value
	return &v
}

func (c *valueCursor[K, V]) Next() (bool, error) {
	return c.inner.Next()
}

func (c *valueCursor[K, V]) Close() error {
	return c.inner.Close()
}
