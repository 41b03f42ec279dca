package changelog

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/logfile"
	"github.com/devrev/pairdb/changelog/internal/model"
	"go.uber.org/zap"
)

// ChangeNumberIndexDB maps dense, increasing change numbers to the replica
// changes they index, giving consumers a single cross-domain sequence.
type ChangeNumberIndexDB struct {
	// mu serializes change number assignment with the append
	mu     sync.Mutex
	log    *logfile.Log[model.ChangeNumber, model.ChangeNumberIndexRecord]
	logger *zap.Logger
}

// OpenChangeNumberIndexDB opens or creates the index stored in dir.
func OpenChangeNumberIndexDB(dir string, opts logfile.Options) (*ChangeNumberIndexDB, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.With(zap.String("store", "cnindex"))

	log, err := logfile.Open[model.ChangeNumber, model.ChangeNumberIndexRecord](dir, cnIndexParser{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change number index: %w", err)
	}
	return &ChangeNumberIndexDB{log: log, logger: opts.Logger}, nil
}

// AddRecord indexes the change identified by baseDN and csn under the next
// change number, which it returns. Numbering starts at 1.
func (db *ChangeNumberIndexDB) AddRecord(ctx context.Context, baseDN string, csn model.CSN) (model.ChangeNumber, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	next := model.ChangeNumber(1)
	if newest, ok := db.log.Newest(); ok {
		next = newest + 1
	}
	rec := model.ChangeNumberIndexRecord{ChangeNumber: next, BaseDN: baseDN, CSN: csn}
	if err := db.log.Append(model.NewRecord(next, rec)); err != nil {
		return 0, err
	}
	return next, nil
}

// OldestRecord returns the record with the lowest change number, nil when empty.
func (db *ChangeNumberIndexDB) OldestRecord() (*model.ChangeNumberIndexRecord, error) {
	return db.recordAt(db.log.Oldest)
}

// NewestRecord returns the record with the highest change number, nil when empty.
func (db *ChangeNumberIndexDB) NewestRecord() (*model.ChangeNumberIndexRecord, error) {
	return db.recordAt(db.log.Newest)
}

func (db *ChangeNumberIndexDB) recordAt(bound func() (model.ChangeNumber, bool)) (*model.ChangeNumberIndexRecord, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cn, ok := bound()
		if !ok {
			return nil, nil
		}
		c, err := db.log.Cursor(cn, OnMatchingKey)
		if err != nil {
			return nil, err
		}
		rec := c.Record()
		c.Close()
		if rec != nil {
			r := rec.Value
			return &r, nil
		}
		// purged between reading the bound and positioning, try again
	}
	return nil, errors.InternalError("change number index bounds kept moving", nil)
}

// NumberRecords returns the number of index records.
func (db *ChangeNumberIndexDB) NumberRecords() int64 {
	return db.log.Count()
}

// GetCursorFrom opens a cursor over index records positioned relative to cn.
func (db *ChangeNumberIndexDB) GetCursorFrom(cn model.ChangeNumber, strategy PositionStrategy) (DBCursor[*model.ChangeNumberIndexRecord], error) {
	c, err := db.log.Cursor(cn, strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to open change number cursor at %s: %w", cn, err)
	}
	return &valueCursor[model.ChangeNumber, model.ChangeNumberIndexRecord]{inner: c}, nil
}

// PurgeUpTo removes index segments whose records all reference changes
// older than csn. It returns the oldest change number still indexed, zero
// when the index is empty.
func (db *ChangeNumberIndexDB) PurgeUpTo(csn model.CSN) (model.ChangeNumber, error) {
	oldest, ok := db.log.Oldest()
	if !ok {
		return 0, nil
	}
	c, err := db.log.Cursor(oldest, OnMatchingKey)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	// first change number whose change is still retained
	purgeKey := oldest
	rec := c.Record()
	for rec != nil && rec.Value.CSN.Compare(csn) < 0 {
		purgeKey = rec.Key + 1
		ok, err := c.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		rec = c.Record()
	}

	removed, err := db.log.PurgeUpTo(purgeKey)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		db.logger.Info("Purged change number index",
			zap.Stringer("purge_csn", csn),
			zap.Int64("records", removed))
	}
	newOldest, _ := db.log.Oldest()
	return newOldest, nil
}

// Clear removes every index record. Numbering restarts at 1.
func (db *ChangeNumberIndexDB) Clear() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.log.Clear()
}

// Shutdown closes the index.
func (db *ChangeNumberIndexDB) Shutdown() error {
	if err := db.log.Close(); err != nil {
		return fmt.Errorf("failed to close change number index: %w", err)
	}
	return nil
}

// Stats returns the index's file statistics.
func (db *ChangeNumberIndexDB) Stats() logfile.Stats {
	return db.log.Stats()
}
