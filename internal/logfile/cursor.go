package logfile

import (
	"fmt"
	"os"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"go.uber.org/zap"
)

type cursorState int

const (
	stateUnpositioned cursorState = iota
	statePositioned
	stateExhausted
	stateFailed
	stateClosed
)

// Cursor reads a log forward from a start position. It follows rotation,
// tails the head segment, and fails with PositionUnavailable when a segment
// it has not finished is purged or cleared. A Cursor is not safe for
// concurrent use.
type Cursor[K Key[K], V any] struct {
	log    *Log[K, V]
	seg    *segment[K]
	file   *os.File
	offset int64

	state   cursorState
	current *model.Record[K, V]
	// pending is the first record after an unmatched start key
	pending *model.Record[K, V]
	err     error

	startKey    K
	strategy    PositionStrategy
	filterStart bool
}

func (c *Cursor[K, V]) openSegment(s *segment[K]) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) || s.removed.Load() {
			return clerrors.PositionUnavailable(s.name())
		}
		return clerrors.IOFailure("failed to open segment "+s.path, err)
	}
	if c.file != nil {
		c.file.Close()
	}
	c.seg, c.file, c.offset = s, f, 0
	return nil
}

func (c *Cursor[K, V]) seek(key K, strategy PositionStrategy) error {
	c.startKey, c.strategy = key, strategy
	for {
		rec, err := c.readNext()
		if err != nil {
			return err
		}
		if rec == nil {
			// nothing at or after key yet; filter what gets appended later
			c.filterStart = true
			return nil
		}
		cmp := rec.Key.Compare(key)
		if cmp < 0 {
			continue
		}
		if cmp == 0 {
			if strategy == OnMatchingKey {
				c.current = rec
				c.state = statePositioned
			}
			return nil
		}
		c.pending = rec
		return nil
	}
}

func (c *Cursor[K, V]) accepts(key K) bool {
	cmp := key.Compare(c.startKey)
	if c.strategy == OnMatchingKey {
		return cmp >= 0
	}
	return cmp > 0
}

// Record returns the current record, nil before the first successful Next
// and after Next returned false.
func (c *Cursor[K, V]) Record() *model.Record[K, V] {
	if c.state != statePositioned {
		return nil
	}
	return c.current
}

// Next advances to the following record. It returns false with a nil error
// when no record is available yet; a later call may succeed once more
// records are appended. Errors are sticky.
func (c *Cursor[K, V]) Next() (bool, error) {
	switch c.state {
	case stateClosed:
		return false, clerrors.Closed("cursor")
	case stateFailed:
		return false, c.err
	}

	if c.pending != nil {
		c.current, c.pending = c.pending, nil
		c.state = statePositioned
		return true, nil
	}

	for {
		rec, err := c.readNext()
		if err != nil {
			c.fail(err)
			return false, err
		}
		if rec == nil {
			c.current = nil
			c.state = stateExhausted
			return false, nil
		}
		if c.filterStart {
			if !c.accepts(rec.Key) {
				continue
			}
			c.filterStart = false
		}
		c.current = rec
		c.state = statePositioned
		return true, nil
	}
}

func (c *Cursor[K, V]) fail(err error) {
	c.state = stateFailed
	c.err = err
	c.current = nil
	c.log.logger.Warn("Cursor failed",
		zap.String("segment", c.seg.name()),
		zap.Int64("offset", c.offset),
		zap.Error(err))
}

// readNext returns the next real record after the cursor's offset, moving
// to the successor segment once a sealed segment is exhausted. A nil record
// means the cursor is at the tail.
func (c *Cursor[K, V]) readNext() (*model.Record[K, V], error) {
	for {
		// sealed before size: a sealed segment's size is final
		sealed := c.seg.sealed.Load()
		size := c.seg.size.Load()
		if c.seg.removed.Load() {
			if !sealed || c.offset < c.seg.dataEnd.Load() {
				return nil, clerrors.PositionUnavailable(c.seg.name())
			}
			// every record was read, only counter frames are left
			c.offset = size
		}

		if c.offset < size {
			fr, next, err := readFrameAt(c.file, c.offset, size)
			if err != nil {
				if isTorn(err) {
					return nil, clerrors.Encoding(
						fmt.Sprintf("corrupt frame in segment %s at offset %d", c.seg.name(), c.offset), err)
				}
				return nil, clerrors.IOFailure("failed to read segment "+c.seg.name(), err)
			}
			c.offset = next
			if fr.kind == frameCounter {
				continue
			}
			rec, err := c.log.parser.DecodeRecord(fr.payload)
			if err != nil {
				return nil, clerrors.Encoding(
					fmt.Sprintf("failed to decode record in segment %s", c.seg.name()), err)
			}
			return &rec, nil
		}

		if !sealed {
			return nil, nil
		}
		next := c.seg.next.Load()
		if next == nil {
			return nil, nil
		}
		if err := c.openSegment(next); err != nil {
			return nil, err
		}
	}
}

// Close releases the cursor's file handle. It is safe to call more than once.
func (c *Cursor[K, V]) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	c.current, c.pending = nil, nil
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}
