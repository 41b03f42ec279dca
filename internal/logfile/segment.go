package logfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
)

const segmentExt = ".log"

func segmentFileName(id uint64) string {
	return fmt.Sprintf("%020d%s", id, segmentExt)
}

func parseSegmentID(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// segment is one file of the log. Keys and count are guarded by the owning
// log's mutex; size and the flags are read by cursors without it.
type segment[K any] struct {
	id   uint64
	path string

	firstKey K
	lastKey  K
	count    int64

	// size only ever covers complete frames
	size atomic.Int64
	// dataEnd is the offset just past the last real record; only counter
	// frames may follow it
	dataEnd atomic.Int64
	// next is set before sealed and links to the segment written after this one
	next    atomic.Pointer[segment[K]]
	sealed  atomic.Bool
	removed atomic.Bool
}

func (s *segment[K]) name() string {
	return filepath.Base(s.path)
}

func createSegment[K any](dir string, id uint64) (*segment[K], *os.File, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, clerrors.IOFailure("failed to create segment "+path, err)
	}
	return &segment[K]{id: id, path: path}, f, nil
}

// segmentScan is what reopening learns about a segment from its boundaries.
type segmentScan[K any] struct {
	firstKey        K
	lastKey         K
	count           int64
	dataEnd         int64
	sinceCounter    int
	endsWithCounter bool
}

// scanBackward recovers the bounds and record count of a segment by reading
// frames backwards from its end until it has seen the last real record and
// the last counter record. The walk is bounded by the counter window.
func scanBackward[K any, V any](r io.ReaderAt, size int64, parser RecordParser[K, V]) (segmentScan[K], error) {
	var sc segmentScan[K]
	if size == 0 {
		return sc, nil
	}

	end := size
	counted, haveLast := false, false
	realAfter := 0
	for end > 0 && !(counted && haveLast) {
		fr, start, err := readFrameBefore(r, end)
		if err != nil {
			return sc, err
		}
		if fr.kind == frameCounter {
			if end == size {
				sc.endsWithCounter = true
			}
			if !counted {
				v, err := decodeCounter(fr.payload)
				if err != nil {
					return sc, clerrors.Encoding("invalid counter record", err)
				}
				sc.count = v + int64(realAfter)
				sc.sinceCounter = realAfter
				counted = true
			}
		} else {
			if !haveLast {
				rec, err := parser.DecodeRecord(fr.payload)
				if err != nil {
					return sc, clerrors.Encoding("failed to decode last record", err)
				}
				sc.lastKey = rec.Key
				sc.dataEnd = end
				haveLast = true
			}
			if !counted {
				realAfter++
			}
		}
		end = start
	}
	if !counted {
		sc.count = int64(realAfter)
		sc.sinceCounter = realAfter
	}
	if sc.count == 0 {
		return sc, nil
	}
	if !haveLast {
		return sc, clerrors.Encoding("segment has a record count but no records", nil)
	}

	fr, _, err := readFrameAt(r, 0, size)
	if err != nil {
		return sc, err
	}
	if fr.kind != frameRecord {
		return sc, clerrors.Encoding("segment does not start with a record", nil)
	}
	rec, err := parser.DecodeRecord(fr.payload)
	if err != nil {
		return sc, clerrors.Encoding("failed to decode first record", err)
	}
	sc.firstKey = rec.Key
	return sc, nil
}

// validPrefix returns the length of the longest run of complete frames at the
// start of the file.
func validPrefix(r io.ReaderAt, size int64) int64 {
	var off int64
	for off < size {
		_, next, err := readFrameAt(r, off, size)
		if err != nil {
			break
		}
		off = next
	}
	return off
}

func isTorn(err error) bool {
	return errors.Is(err, errTornFrame)
}
