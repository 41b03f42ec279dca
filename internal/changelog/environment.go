package changelog

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/devrev/pairdb/changelog/internal/csn"
	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/logfile"
	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/state"
	"github.com/devrev/pairdb/changelog/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	domainsDir = "domains"
	cnIndexDir = "cnindex"
	stateDir   = "state"
)

// Options configures an Environment.
type Options struct {
	RootDir string
	// Log is the template applied to every log the environment opens.
	// Logger and Observer are filled in per log.
	Log       logfile.Options
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	SyncState bool
}

type replicaKey struct {
	baseDN   string
	serverID int32
}

// Environment owns every replica changelog of a server, the change number
// index and the persistent state store, all below one root directory:
//
//	<root>/domains/<escaped base DN>/<server id>/
//	<root>/cnindex/
//	<root>/state/
type Environment struct {
	root        string
	opts        Options
	logger      *zap.Logger
	metrics     *metrics.Metrics
	validator   *validation.Validator
	state       *state.Store
	cnIndex     *ChangeNumberIndexDB
	changelogID string

	mu       sync.RWMutex
	replicas map[replicaKey]*ReplicaDB
	closed   bool

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewEnvironment opens the environment rooted at opts.RootDir, reopening
// every replica changelog found on disk.
func NewEnvironment(opts Options) (*Environment, error) {
	if opts.RootDir == "" {
		return nil, clerrors.InvalidArgument("root directory is required", nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(opts.RootDir, domainsDir), 0o755); err != nil {
		return nil, clerrors.IOFailure("failed to create changelog root "+opts.RootDir, err)
	}

	env := &Environment{
		root:      opts.RootDir,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		validator: validation.NewValidator(),
		replicas:  make(map[replicaKey]*ReplicaDB),
		notifyCh:  make(chan struct{}),
	}

	st, err := state.Open(filepath.Join(opts.RootDir, stateDir), opts.SyncState, opts.Logger)
	if err != nil {
		return nil, err
	}
	env.state = st

	if env.changelogID, err = st.EnsureChangelogID(); err != nil {
		st.Close()
		return nil, err
	}

	env.cnIndex, err = OpenChangeNumberIndexDB(filepath.Join(opts.RootDir, cnIndexDir), env.logOptions("cnindex"))
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := env.loadReplicas(); err != nil {
		env.Shutdown()
		return nil, err
	}

	env.logger.Info("Changelog environment opened",
		zap.String("root", env.root),
		zap.String("changelog_id", env.changelogID),
		zap.Int("replicas", len(env.replicas)))
	return env, nil
}

func (e *Environment) logOptions(store string) logfile.Options {
	opts := e.opts.Log
	opts.Logger = e.logger
	if e.metrics != nil {
		opts.Observer = e.metrics.LogObserver(store)
	}
	return opts
}

func (e *Environment) replicaDir(baseDN string, serverID int32) string {
	return filepath.Join(e.root, domainsDir, url.PathEscape(baseDN), strconv.FormatInt(int64(serverID), 10))
}

func (e *Environment) loadReplicas() error {
	domains, err := os.ReadDir(filepath.Join(e.root, domainsDir))
	if err != nil {
		return clerrors.IOFailure("failed to list domains", err)
	}
	for _, d := range domains {
		if !d.IsDir() {
			continue
		}
		baseDN, err := url.PathUnescape(d.Name())
		if err != nil {
			e.logger.Warn("Skipping unrecognized domain directory", zap.String("name", d.Name()))
			continue
		}
		servers, err := os.ReadDir(filepath.Join(e.root, domainsDir, d.Name()))
		if err != nil {
			return clerrors.IOFailure("failed to list replicas of "+baseDN, err)
		}
		for _, s := range servers {
			sid, err := strconv.ParseInt(s.Name(), 10, 32)
			if !s.IsDir() || err != nil {
				continue
			}
			if _, err := e.openReplica(baseDN, int32(sid)); err != nil {
				return err
			}
		}
	}
	return nil
}

// openReplica must be called with mu held or before the environment is shared.
func (e *Environment) openReplica(baseDN string, serverID int32) (*ReplicaDB, error) {
	db, err := OpenReplicaDB(baseDN, serverID, e.replicaDir(baseDN, serverID), e.logOptions("replica"))
	if err != nil {
		return nil, err
	}
	db.onAppend = e.signalAppend
	e.replicas[replicaKey{baseDN, serverID}] = db
	if e.metrics != nil {
		e.metrics.ReplicaDBs.Set(float64(len(e.replicas)))
	}
	return db, nil
}

// GetOrCreateReplicaDB returns the changelog of serverID in baseDN, creating
// it on first use. The boolean reports whether it was created.
func (e *Environment) GetOrCreateReplicaDB(baseDN string, serverID int32) (*ReplicaDB, bool, error) {
	if db := e.ReplicaDB(baseDN, serverID); db != nil {
		return db, false, nil
	}
	if err := e.validator.ValidateBaseDN(baseDN); err != nil {
		return nil, false, err
	}
	if err := e.validator.ValidateServerID(serverID); err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, clerrors.Closed("changelog environment")
	}
	if db, ok := e.replicas[replicaKey{baseDN, serverID}]; ok {
		return db, false, nil
	}
	db, err := e.openReplica(baseDN, serverID)
	if err != nil {
		return nil, false, err
	}
	e.logger.Info("Created replica changelog",
		zap.String("base_dn", baseDN),
		zap.Int32("server_id", serverID))
	return db, true, nil
}

// ReplicaDB returns an open replica changelog, nil if there is none.
func (e *Environment) ReplicaDB(baseDN string, serverID int32) *ReplicaDB {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.replicas[replicaKey{baseDN, serverID}]
}

// ReplicaDBs returns every replica changelog ordered by base DN then server id.
func (e *Environment) ReplicaDBs() []*ReplicaDB {
	e.mu.RLock()
	out := make([]*ReplicaDB, 0, len(e.replicas))
	for _, db := range e.replicas {
		out = append(out, db)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].baseDN != out[j].baseDN {
			return out[i].baseDN < out[j].baseDN
		}
		return out[i].serverID < out[j].serverID
	})
	return out
}

// DomainReplicaDBs returns the replica changelogs of baseDN.
func (e *Environment) DomainReplicaDBs(baseDN string) []*ReplicaDB {
	var out []*ReplicaDB
	for _, db := range e.ReplicaDBs() {
		if db.baseDN == baseDN {
			out = append(out, db)
		}
	}
	return out
}

// BaseDNs returns the replication domains with at least one changelog.
func (e *Environment) BaseDNs() []string {
	var out []string
	for _, db := range e.ReplicaDBs() {
		if len(out) == 0 || out[len(out)-1] != db.baseDN {
			out = append(out, db.baseDN)
		}
	}
	return out
}

// NewGenerator returns a CSN generator for serverID in baseDN that never
// hands out a CSN at or below the newest one already stored.
func (e *Environment) NewGenerator(baseDN string, serverID int32) (*csn.Generator, error) {
	db, _, err := e.GetOrCreateReplicaDB(baseDN, serverID)
	if err != nil {
		return nil, err
	}
	newest, _ := db.NewestCSN()
	return csn.NewGeneratorFrom(serverID, newest), nil
}

// ClearDomain empties every replica changelog of baseDN, records the new
// generation id and forgets consumer positions in the domain. Index records
// already assigned to the domain's changes are kept.
func (e *Environment) ClearDomain(ctx context.Context, baseDN string, generationID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, db := range e.DomainReplicaDBs(baseDN) {
		if err := db.Clear(); err != nil {
			return fmt.Errorf("failed to clear %s: %w", db, err)
		}
	}
	if err := e.state.SetGenerationID(baseDN, generationID); err != nil {
		return err
	}
	if err := e.state.ResetPositions(baseDN); err != nil {
		return err
	}
	e.logger.Info("Cleared replication domain",
		zap.String("base_dn", baseDN),
		zap.Int64("generation_id", generationID))
	return nil
}

// GenerationID returns the generation id recorded for baseDN.
func (e *Environment) GenerationID(baseDN string) (int64, bool, error) {
	return e.state.GenerationID(baseDN)
}

func (e *Environment) ChangeNumberIndexDB() *ChangeNumberIndexDB {
	return e.cnIndex
}

func (e *Environment) State() *state.Store {
	return e.state
}

func (e *Environment) ChangelogID() string {
	return e.changelogID
}

func (e *Environment) RootDir() string {
	return e.root
}

func (e *Environment) signalAppend() {
	e.notifyMu.Lock()
	close(e.notifyCh)
	e.notifyCh = make(chan struct{})
	e.notifyMu.Unlock()
}

// WaitForAppend blocks until any replica changelog receives an update, the
// timeout elapses or ctx is done. It reports whether an update arrived.
func (e *Environment) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	e.notifyMu.Lock()
	ch := e.notifyCh
	e.notifyMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Shutdown closes every changelog and the state store.
func (e *Environment) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	replicas := make([]*ReplicaDB, 0, len(e.replicas))
	for _, db := range e.replicas {
		replicas = append(replicas, db)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, db := range replicas {
		g.Go(db.Shutdown)
	}
	if e.cnIndex != nil {
		g.Go(e.cnIndex.Shutdown)
	}
	err := g.Wait()

	if cerr := e.state.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close state store: %w", cerr)
	}
	if err != nil {
		e.logger.Error("Changelog environment shutdown failed", zap.Error(err))
		return err
	}
	e.logger.Info("Changelog environment closed", zap.String("root", e.root))
	return nil
}

// ChangeAt resolves an index record to the change it references.
func (e *Environment) ChangeAt(rec *model.ChangeNumberIndexRecord) (*model.UpdateMsg, error) {
	db := e.ReplicaDB(rec.BaseDN, rec.CSN.ServerID)
	if db == nil {
		return nil, nil
	}
	c, err := db.GenerateCursorFrom(rec.CSN, OnMatchingKey)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Record(), nil
}
