package changelog

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/changelog/internal/logfile"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/validation"
	"go.uber.org/zap"
)

// ReplicaDB is the changelog of one server id within one replication domain.
// Updates are stored in CSN order and survive restarts.
type ReplicaDB struct {
	baseDN    string
	serverID  int32
	log       *logfile.Log[model.CSN, model.UpdateMsg]
	validator *validation.Validator
	logger    *zap.Logger
	onAppend  func()
}

// OpenReplicaDB opens or creates the replica changelog stored in dir.
func OpenReplicaDB(baseDN string, serverID int32, dir string, opts logfile.Options) (*ReplicaDB, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("base_dn", baseDN), zap.Int32("server_id", serverID))
	opts.Logger = logger

	log, err := logfile.Open[model.CSN, model.UpdateMsg](dir, replicaParser{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica changelog for %s/%d: %w", baseDN, serverID, err)
	}
	return &ReplicaDB{
		baseDN:    baseDN,
		serverID:  serverID,
		log:       log,
		validator: validation.NewValidator(),
		logger:    logger,
	}, nil
}

func (db *ReplicaDB) BaseDN() string {
	return db.baseDN
}

func (db *ReplicaDB) ServerID() int32 {
	return db.serverID
}

// Add appends msg. It returns once the update is durable under the log's
// sync policy and visible to cursors.
func (db *ReplicaDB) Add(ctx context.Context, msg *model.UpdateMsg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := db.validator.ValidateUpdate(db.baseDN, db.serverID, msg); err != nil {
		return err
	}

	m := *msg
	m.BaseDN = db.baseDN
	if len(m.Payload) == 0 {
		m.Payload = nil
	}
	if err := db.log.Append(model.NewRecord(m.CSN, m)); err != nil {
		return err
	}
	if db.onAppend != nil {
		db.onAppend()
	}
	return nil
}

// OldestCSN returns the CSN of the oldest update, false when empty.
func (db *ReplicaDB) OldestCSN() (model.CSN, bool) {
	return db.log.Oldest()
}

// NewestCSN returns the CSN of the newest update, false when empty.
func (db *ReplicaDB) NewestCSN() (model.CSN, bool) {
	return db.log.Newest()
}

// NumberRecords returns the number of updates stored.
func (db *ReplicaDB) NumberRecords() int64 {
	return db.log.Count()
}

// GenerateCursorFrom opens a cursor over updates positioned relative to
// startCSN. The zero CSN with AfterMatchingKey reads from the oldest update.
func (db *ReplicaDB) GenerateCursorFrom(startCSN model.CSN, strategy PositionStrategy) (DBCursor[*model.UpdateMsg], error) {
	c, err := db.log.Cursor(startCSN, strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor at %s: %w", startCSN, err)
	}
	return &valueCursor[model.CSN, model.UpdateMsg]{inner: c}, nil
}

// PurgeUpTo removes whole segments older than csn and returns the number of
// updates removed. The newest update is always kept.
func (db *ReplicaDB) PurgeUpTo(csn model.CSN) (int64, error) {
	return db.log.PurgeUpTo(csn)
}

// Clear removes every update.
func (db *ReplicaDB) Clear() error {
	return db.log.Clear()
}

// Shutdown closes the changelog. Further adds fail with a Closed error.
func (db *ReplicaDB) Shutdown() error {
	if err := db.log.Close(); err != nil {
		return fmt.Errorf("failed to close replica changelog for %s/%d: %w", db.baseDN, db.serverID, err)
	}
	return nil
}

// WaitForAppend blocks until an update is added or timeout elapses.
func (db *ReplicaDB) WaitForAppend(timeout time.Duration) bool {
	return db.log.WaitForAppend(timeout)
}

// ReplicaStats describes a replica changelog's files and bounds.
type ReplicaStats struct {
	BaseDN    string `json:"base_dn"`
	ServerID  int32  `json:"server_id"`
	Records   int64  `json:"records"`
	Segments  int    `json:"segments"`
	Bytes     int64  `json:"bytes"`
	OldestCSN string `json:"oldest_csn,omitempty"`
	NewestCSN string `json:"newest_csn,omitempty"`
}

func (db *ReplicaDB) Stats() ReplicaStats {
	st := db.log.Stats()
	out := ReplicaStats{
		BaseDN:   db.baseDN,
		ServerID: db.serverID,
		Records:  st.Records,
		Segments: st.Segments,
		Bytes:    st.Bytes,
	}
	if oldest, ok := db.log.Oldest(); ok {
		out.OldestCSN = oldest.String()
	}
	if newest, ok := db.log.Newest(); ok {
		out.NewestCSN = newest.String()
	}
	return out
}

func (db *ReplicaDB) String() string {
	return fmt.Sprintf("%s/%d", db.baseDN, db.serverID)
}
