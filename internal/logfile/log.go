package logfile

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"go.uber.org/zap"
)

const (
	DefaultMaxSegmentSize int64 = 10 << 20
	DefaultCounterWindow        = 1000
)

// Options configures a Log.
type Options struct {
	// MaxSegmentSize is the head size that triggers rotation on the next append.
	MaxSegmentSize int64
	// CounterWindow is the number of records between two counter records.
	CounterWindow int
	// SyncWrites fsyncs the head segment before an append returns.
	SyncWrites bool
	Logger     *zap.Logger
	Observer   Observer
	Guard      WriteGuard
}

// Log is an append-only, strictly ordered sequence of records stored in a
// directory of segment files. Only the newest segment (the head) is written.
type Log[K Key[K], V any] struct {
	dir      string
	opts     Options
	parser   RecordParser[K, V]
	logger   *zap.Logger
	observer Observer

	mu              sync.RWMutex
	segments        []*segment[K]
	headFile        *os.File
	nextID          uint64
	sinceCounter    int
	endsWithCounter bool
	oldest          K
	newest          K
	count           int64
	closed          bool
	notifyCh        chan struct{}
}

// Open opens the log stored in dir, creating it when missing. Bounds and the
// record count are rebuilt from the segment files.
func Open[K Key[K], V any](dir string, parser RecordParser[K, V], opts Options) (*Log[K, V], error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.CounterWindow <= 0 {
		opts.CounterWindow = DefaultCounterWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = NoopObserver{}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, clerrors.IOFailure("failed to create log directory "+dir, err)
	}

	l := &Log[K, V]{
		dir:      dir,
		opts:     opts,
		parser:   parser,
		logger:   opts.Logger.With(zap.String("log", dir)),
		observer: opts.Observer,
		notifyCh: make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.Int("segments", len(l.segments)),
		zap.Int64("records", l.count),
	}
	if l.count > 0 {
		fields = append(fields, zap.Stringer("oldest", l.oldest), zap.Stringer("newest", l.newest))
	}
	l.logger.Info("Opened log", fields...)
	return l, nil
}

func (l *Log[K, V]) load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return clerrors.IOFailure("failed to list log directory "+l.dir, err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		seg := &segment[K]{id: id, path: filepath.Join(l.dir, segmentFileName(id))}
		isHead := i == len(ids)-1
		sc, err := l.loadSegment(seg, isHead)
		if err != nil {
			return err
		}
		seg.firstKey, seg.lastKey, seg.count = sc.firstKey, sc.lastKey, sc.count
		seg.dataEnd.Store(sc.dataEnd)
		if n := len(l.segments); n > 0 {
			l.segments[n-1].next.Store(seg)
		}
		if isHead {
			l.sinceCounter = sc.sinceCounter
			l.endsWithCounter = sc.endsWithCounter
		} else {
			seg.sealed.Store(true)
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		seg, f, err := createSegment[K](l.dir, 1)
		if err != nil {
			return err
		}
		l.segments = []*segment[K]{seg}
		l.headFile = f
		l.nextID = 2
	} else {
		head := l.head()
		f, err := os.OpenFile(head.path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return clerrors.IOFailure("failed to open head segment "+head.path, err)
		}
		l.headFile = f
		l.nextID = head.id + 1
	}

	l.recomputeLocked()
	return nil
}

func (l *Log[K, V]) loadSegment(seg *segment[K], isHead bool) (segmentScan[K], error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return segmentScan[K]{}, clerrors.IOFailure("failed to open segment "+seg.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return segmentScan[K]{}, clerrors.IOFailure("failed to stat segment "+seg.path, err)
	}
	size := info.Size()

	sc, err := scanBackward(f, size, l.parser)
	if isTorn(err) && isHead {
		valid := validPrefix(f, size)
		l.logger.Warn("Truncating torn tail of head segment",
			zap.String("segment", seg.name()),
			zap.Int64("size", size),
			zap.Int64("valid_size", valid))
		if err := os.Truncate(seg.path, valid); err != nil {
			return sc, clerrors.IOFailure("failed to truncate segment "+seg.path, err)
		}
		size = valid
		sc, err = scanBackward(f, size, l.parser)
	}
	if isTorn(err) {
		return sc, clerrors.Encoding("corrupt segment "+seg.path, err)
	}
	if err != nil {
		return sc, err
	}
	seg.size.Store(size)
	return sc, nil
}

func (l *Log[K, V]) head() *segment[K] {
	return l.segments[len(l.segments)-1]
}

// Append writes rec to the head segment, rotating first when the head is full.
// The record is visible to cursors once Append returns.
func (l *Log[K, V]) Append(rec model.Record[K, V]) error {
	payload, err := l.parser.EncodeRecord(rec)
	if err != nil {
		return clerrors.Encoding("failed to encode record", err).WithDetail("key", rec.Key.String())
	}
	buf := encodeFrame(frameRecord, payload)
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return clerrors.Closed("log " + l.dir)
	}
	if l.count > 0 && rec.Key.Compare(l.newest) <= 0 {
		return clerrors.OutOfOrder(rec.Key, l.newest)
	}
	if l.opts.Guard != nil {
		if err := l.opts.Guard.CheckBeforeWrite(uint64(len(buf))); err != nil {
			return clerrors.DiskFull("append rejected by disk guard", err)
		}
	}

	head := l.head()
	if head.count > 0 && head.size.Load()+int64(len(buf)) > l.opts.MaxSegmentSize {
		if err := l.rotateLocked(); err != nil {
			return err
		}
		head = l.head()
	}

	if err := l.writeLocked(head, buf); err != nil {
		return err
	}
	head.dataEnd.Store(head.size.Load())
	if head.count == 0 {
		head.firstKey = rec.Key
	}
	head.lastKey = rec.Key
	head.count++
	if l.count == 0 {
		l.oldest = rec.Key
	}
	l.newest = rec.Key
	l.count++
	l.endsWithCounter = false

	l.sinceCounter++
	if l.sinceCounter >= l.opts.CounterWindow {
		// the record is already durable, a missing counter only lengthens the next reopen
		if err := l.writeCounterLocked(head); err != nil {
			l.logger.Warn("Failed to write counter record", zap.Error(err))
		}
	}

	l.observer.ObserveAppend(time.Since(start), len(buf))
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return nil
}

func (l *Log[K, V]) writeLocked(head *segment[K], buf []byte) error {
	off := head.size.Load()
	if _, err := l.headFile.Write(buf); err != nil {
		l.truncateHeadLocked(head, off)
		return clerrors.IOFailure("failed to write segment "+head.name(), err)
	}
	if l.opts.SyncWrites {
		if err := l.headFile.Sync(); err != nil {
			l.truncateHeadLocked(head, off)
			return clerrors.IOFailure("failed to sync segment "+head.name(), err)
		}
	}
	head.size.Store(off + int64(len(buf)))
	return nil
}

// truncateHeadLocked drops a partially written frame so the tail stays parseable.
func (l *Log[K, V]) truncateHeadLocked(head *segment[K], size int64) {
	if err := l.headFile.Truncate(size); err != nil {
		l.logger.Error("Failed to truncate partial write",
			zap.String("segment", head.name()),
			zap.Int64("size", size),
			zap.Error(err))
	}
}

func (l *Log[K, V]) writeCounterLocked(head *segment[K]) error {
	if err := l.writeLocked(head, encodeCounter(head.count)); err != nil {
		return err
	}
	l.sinceCounter = 0
	l.endsWithCounter = true
	return nil
}

func (l *Log[K, V]) rotateLocked() error {
	old := l.head()
	seg, f, err := createSegment[K](l.dir, l.nextID)
	if err != nil {
		return err
	}

	if !l.endsWithCounter {
		if err := l.writeCounterLocked(old); err != nil {
			f.Close()
			os.Remove(seg.path)
			return err
		}
	}
	if err := l.headFile.Sync(); err != nil {
		l.logger.Error("Failed to sync sealed segment", zap.String("segment", old.name()), zap.Error(err))
	}
	if err := l.headFile.Close(); err != nil {
		l.logger.Error("Failed to close sealed segment", zap.String("segment", old.name()), zap.Error(err))
	}

	l.nextID++
	l.segments = append(l.segments, seg)
	l.headFile = f
	l.sinceCounter = 0
	l.endsWithCounter = false
	old.next.Store(seg)
	old.sealed.Store(true)

	l.observer.ObserveRotation()
	l.logger.Debug("Rotated log segment",
		zap.String("sealed", old.name()),
		zap.Int64("sealed_records", old.count),
		zap.String("head", seg.name()))
	return nil
}

// PurgeUpTo deletes every sealed segment whose newest key is before key and
// returns the number of records removed. The head segment is never deleted,
// so the newest record always survives.
func (l *Log[K, V]) PurgeUpTo(key K) (int64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, clerrors.Closed("log " + l.dir)
	}

	n := 0
	var records int64
	for n < len(l.segments)-1 {
		s := l.segments[n]
		if s.count > 0 && s.lastKey.Compare(key) >= 0 {
			break
		}
		records += s.count
		n++
	}
	if n == 0 {
		l.mu.Unlock()
		return 0, nil
	}

	purged := append([]*segment[K](nil), l.segments[:n]...)
	l.segments = append([]*segment[K](nil), l.segments[n:]...)
	for _, s := range purged {
		s.removed.Store(true)
	}
	l.recomputeLocked()
	l.mu.Unlock()

	var firstErr error
	for _, s := range purged {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = clerrors.IOFailure("failed to delete segment "+s.path, err)
		}
	}

	l.observer.ObservePurge(len(purged), records)
	l.logger.Info("Purged log segments",
		zap.Stringer("purge_key", key),
		zap.Int("segments", len(purged)),
		zap.Int64("records", records))
	return records, firstErr
}

// Clear deletes every segment and starts over with an empty head.
func (l *Log[K, V]) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return clerrors.Closed("log " + l.dir)
	}

	if err := l.headFile.Close(); err != nil {
		l.logger.Warn("Failed to close head segment", zap.Error(err))
	}
	var firstErr error
	for _, s := range l.segments {
		s.removed.Store(true)
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = clerrors.IOFailure("failed to delete segment "+s.path, err)
		}
	}

	seg, f, err := createSegment[K](l.dir, l.nextID)
	if err != nil {
		// nothing left to append to
		l.closed = true
		return err
	}
	l.nextID++
	l.segments = []*segment[K]{seg}
	l.headFile = f
	l.sinceCounter = 0
	l.endsWithCounter = false
	l.recomputeLocked()

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})

	l.logger.Info("Cleared log")
	return firstErr
}

// Close releases the head segment. Open cursors keep their own handles and
// may continue reading.
func (l *Log[K, V]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.headFile.Sync(); err != nil {
		l.logger.Warn("Failed to sync head segment", zap.Error(err))
	}
	if err := l.headFile.Close(); err != nil {
		return clerrors.IOFailure("failed to close head segment", err)
	}
	l.logger.Info("Closed log", zap.Int64("records", l.count))
	return nil
}

func (l *Log[K, V]) recomputeLocked() {
	var zero K
	l.oldest, l.newest, l.count = zero, zero, 0
	found := false
	for _, s := range l.segments {
		if s.count == 0 {
			continue
		}
		if !found {
			l.oldest = s.firstKey
			found = true
		}
		l.newest = s.lastKey
		l.count += s.count
	}
}

// Oldest returns the first key in the log.
func (l *Log[K, V]) Oldest() (K, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.oldest, l.count > 0
}

// Newest returns the last key in the log.
func (l *Log[K, V]) Newest() (K, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newest, l.count > 0
}

// Count returns the number of records, counter records excluded.
func (l *Log[K, V]) Count() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Stats describes the log's files.
type Stats struct {
	Segments int
	Bytes    int64
	Records  int64
}

func (l *Log[K, V]) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Stats{Segments: len(l.segments), Records: l.count}
	for _, s := range l.segments {
		st.Bytes += s.size.Load()
	}
	return st
}

func (l *Log[K, V]) Dir() string {
	return l.dir
}

// WaitForAppend blocks until either a new append occurs or timeout elapses.
// It returns true if woken by an append, false on timeout.
func (l *Log[K, V]) WaitForAppend(timeout time.Duration) bool {
	l.mu.RLock()
	ch := l.notifyCh
	l.mu.RUnlock()

	if timeout <= 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// Cursor opens a cursor positioned relative to key. With OnMatchingKey the
// cursor's current record is the record with that key when it exists;
// otherwise the cursor has no current record and Next moves to the first
// record after key. Keys beyond the newest record yield a tailing cursor.
func (l *Log[K, V]) Cursor(key K, strategy PositionStrategy) (*Cursor[K, V], error) {
	var lastErr error
	// a purge can race the segment choice, so retry on a fresh view
	for attempt := 0; attempt < 3; attempt++ {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			return nil, clerrors.Closed("log " + l.dir)
		}
		start := l.head()
		for _, s := range l.segments {
			if s.count > 0 && s.lastKey.Compare(key) >= 0 {
				start = s
				break
			}
		}
		l.mu.RUnlock()

		c := &Cursor[K, V]{log: l, state: stateUnpositioned}
		if err := c.openSegment(start); err != nil {
			lastErr = err
			if clerrors.IsPositionUnavailable(err) {
				continue
			}
			return nil, err
		}
		if err := c.seek(key, strategy); err != nil {
			c.Close()
			lastErr = err
			if clerrors.IsPositionUnavailable(err) {
				continue
			}
			return nil, err
		}
		l.observer.ObserveCursorOpen()
		return c, nil
	}
	return nil, lastErr
}
