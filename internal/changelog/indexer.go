package changelog

import (
	"container/heap"
	"context"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"go.uber.org/zap"
)

// DefaultIndexerPollInterval bounds how long the indexer sleeps when no
// append notification arrives.
const DefaultIndexerPollInterval = 500 * time.Millisecond

// ChangeNumberIndexer assigns change numbers to replica changes in CSN
// order across all domains. Changes are indexed as they become available;
// a change arriving with a CSN at or below the last indexed one is skipped
// so that index CSNs never decrease. An indexer is driven by one goroutine.
type ChangeNumberIndexer struct {
	env     *Environment
	logger  *zap.Logger
	metrics *metrics.Metrics
	poll    time.Duration

	cursors     map[replicaKey]*replicaTail
	lastIndexed model.CSN
	resumed     bool
}

// replicaTail is the indexer's read position in one replica changelog.
type replicaTail struct {
	db     *ReplicaDB
	cursor DBCursor[*model.UpdateMsg]
	last   model.CSN
	head   *model.UpdateMsg
}

// NewChangeNumberIndexer creates an indexer over env. A zero poll uses
// DefaultIndexerPollInterval.
func NewChangeNumberIndexer(env *Environment, poll time.Duration) *ChangeNumberIndexer {
	if poll <= 0 {
		poll = DefaultIndexerPollInterval
	}
	return &ChangeNumberIndexer{
		env:     env,
		logger:  env.logger.With(zap.String("component", "cn-indexer")),
		metrics: env.metrics,
		poll:    poll,
		cursors: make(map[replicaKey]*replicaTail),
	}
}

// resume positions the indexer after the change referenced by the newest
// index record.
func (ix *ChangeNumberIndexer) resume() error {
	if ix.resumed {
		return nil
	}
	newest, err := ix.env.ChangeNumberIndexDB().NewestRecord()
	if err != nil {
		return err
	}
	if newest != nil {
		ix.lastIndexed = newest.CSN
	}
	ix.resumed = true
	ix.logger.Info("Change number indexer resuming",
		zap.Stringer("after_csn", ix.lastIndexed))
	return nil
}

func (ix *ChangeNumberIndexer) tailFor(db *ReplicaDB) (*replicaTail, error) {
	key := replicaKey{db.baseDN, db.serverID}
	if t, ok := ix.cursors[key]; ok {
		return t, nil
	}
	t := &replicaTail{db: db, last: ix.lastIndexed}
	if err := t.open(); err != nil {
		return nil, err
	}
	ix.cursors[key] = t
	return t, nil
}

func (t *replicaTail) open() error {
	if t.cursor != nil {
		t.cursor.Close()
	}
	c, err := t.db.GenerateCursorFrom(t.last, AfterMatchingKey)
	if err != nil {
		return err
	}
	t.cursor = c
	return nil
}

// fill loads the next change into head if none is buffered. A cursor that
// lost its segment to a purge or clear is reopened after the last change
// it delivered.
func (t *replicaTail) fill() error {
	if t.head != nil {
		return nil
	}
	for attempt := 0; ; attempt++ {
		ok, err := t.cursor.Next()
		if err == nil {
			if ok {
				t.head = t.cursor.Record()
			}
			return nil
		}
		if !clerrors.IsPositionUnavailable(err) || attempt > 0 {
			return err
		}
		if err := t.open(); err != nil {
			return err
		}
	}
}

func (t *replicaTail) close() {
	if t.cursor != nil {
		t.cursor.Close()
		t.cursor = nil
	}
}

type tailHeap []*replicaTail

func (h tailHeap) Len() int           { return len(h) }
func (h tailHeap) Less(i, j int) bool { return h[i].head.CSN.Older(h[j].head.CSN) }
func (h tailHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tailHeap) Push(x any)        { *h = append(*h, x.(*replicaTail)) }
func (h *tailHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// IndexPending indexes every change currently available and returns how
// many change numbers it assigned.
func (ix *ChangeNumberIndexer) IndexPending(ctx context.Context) (int, error) {
	if err := ix.resume(); err != nil {
		return 0, err
	}

	h := &tailHeap{}
	for _, db := range ix.env.ReplicaDBs() {
		t, err := ix.tailFor(db)
		if err != nil {
			return 0, err
		}
		if err := t.fill(); err != nil {
			return 0, err
		}
		if t.head != nil {
			*h = append(*h, t)
		}
	}
	heap.Init(h)

	cnIndex := ix.env.ChangeNumberIndexDB()
	indexed := 0
	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		t := heap.Pop(h).(*replicaTail)
		msg := t.head
		t.head = nil
		t.last = msg.CSN

		if msg.CSN.Newer(ix.lastIndexed) {
			cn, err := cnIndex.AddRecord(ctx, t.db.baseDN, msg.CSN)
			if err != nil {
				return indexed, err
			}
			ix.lastIndexed = msg.CSN
			indexed++
			ix.logger.Debug("Indexed change",
				zap.Stringer("change_number", cn),
				zap.String("base_dn", t.db.baseDN),
				zap.Stringer("csn", msg.CSN))
		} else {
			ix.logger.Warn("Skipping change older than the last indexed change",
				zap.String("base_dn", t.db.baseDN),
				zap.Stringer("csn", msg.CSN),
				zap.Stringer("last_indexed", ix.lastIndexed))
		}

		if err := t.fill(); err != nil {
			return indexed, err
		}
		if t.head != nil {
			heap.Push(h, t)
		}
	}

	if indexed > 0 && ix.metrics != nil {
		ix.metrics.IndexedChangesTotal.Add(float64(indexed))
	}
	return indexed, nil
}

// Run indexes changes until ctx is done, waking on every append and at
// least once per poll interval.
func (ix *ChangeNumberIndexer) Run(ctx context.Context) error {
	defer ix.Close()
	ix.logger.Info("Change number indexer started", zap.Duration("poll", ix.poll))

	for {
		if _, err := ix.IndexPending(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if ix.metrics != nil {
				ix.metrics.IndexerErrorsTotal.Inc()
			}
			ix.logger.Error("Indexing pass failed", zap.Error(err))
			// start over from the index on the next pass
			ix.reset()
		}
		ix.env.WaitForAppend(ctx, ix.poll)
		if ctx.Err() != nil {
			break
		}
	}
	ix.logger.Info("Change number indexer stopped")
	return nil
}

func (ix *ChangeNumberIndexer) reset() {
	for key, t := range ix.cursors {
		t.close()
		delete(ix.cursors, key)
	}
	ix.resumed = false
	ix.lastIndexed = model.CSN{}
}

// Close releases the indexer's replica cursors.
func (ix *ChangeNumberIndexer) Close() {
	ix.reset()
}
