package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Key layout:
//
//	meta/changelog-id                        -> uuid string
//	gen/<escaped base DN>                    -> generation id, int64 big endian
//	pos/<escaped base DN>/<server id>/<name> -> CSN bytes
const (
	keyChangelogID = "meta/changelog-id"
	prefixGen      = "gen/"
	prefixPos      = "pos/"
)

// Store holds the small amount of changelog state that is not part of any
// log: the changelog identity, domain generation ids and consumer positions.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger

	// posMu makes the read-compare-write of CommitPosition atomic
	posMu sync.Mutex
}

// Open opens or creates the state database in dir. With syncWrites every
// update is fsynced before returning.
func Open(dir string, syncWrites bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	wo := pebble.NoSync
	if syncWrites {
		wo = pebble.Sync
	}
	return &Store{db: db, writeOpts: wo, logger: logger}, nil
}

// Close closes the state database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (s *Store) set(key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, s.writeOpts); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// EnsureChangelogID returns the identity of this changelog, minting one on
// first use. A new identity tells consumers the changelog was rebuilt.
func (s *Store) EnsureChangelogID() (string, error) {
	v, ok, err := s.get(keyChangelogID)
	if err != nil {
		return "", err
	}
	if ok {
		return string(v), nil
	}
	id := uuid.NewString()
	if err := s.set(keyChangelogID, []byte(id)); err != nil {
		return "", err
	}
	s.logger.Info("Created changelog identity", zap.String("changelog_id", id))
	return id, nil
}

// GenerationID returns the generation id recorded for baseDN.
func (s *Store) GenerationID(baseDN string) (int64, bool, error) {
	v, ok, err := s.get(prefixGen + url.PathEscape(baseDN))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("invalid generation id for %s: %d bytes", baseDN, len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), true, nil
}

// SetGenerationID records the generation id of baseDN.
func (s *Store) SetGenerationID(baseDN string, id int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return s.set(prefixGen+url.PathEscape(baseDN), b[:])
}

func positionPrefix(baseDN string) string {
	return prefixPos + url.PathEscape(baseDN) + "/"
}

func positionKey(consumer, baseDN string, serverID int32) string {
	return positionPrefix(baseDN) + strconv.FormatInt(int64(serverID), 10) + "/" + url.PathEscape(consumer)
}

// CommitPosition stores the last CSN a consumer processed from one replica
// changelog. Commits that would move the position backwards are ignored and
// reported as false.
func (s *Store) CommitPosition(consumer, baseDN string, serverID int32, csn model.CSN) (bool, error) {
	key := positionKey(consumer, baseDN, serverID)
	s.posMu.Lock()
	defer s.posMu.Unlock()
	prev, ok, err := s.get(key)
	if err != nil {
		return false, err
	}
	if ok {
		prevCSN, err := model.CSNFromBytes(prev)
		if err == nil && !csn.Newer(prevCSN) {
			return false, nil
		}
	}
	if err := s.set(key, csn.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

// Position loads the committed position of a consumer.
func (s *Store) Position(consumer, baseDN string, serverID int32) (model.CSN, bool, error) {
	v, ok, err := s.get(positionKey(consumer, baseDN, serverID))
	if err != nil || !ok {
		return model.CSN{}, false, err
	}
	csn, err := model.CSNFromBytes(v)
	if err != nil {
		return model.CSN{}, false, err
	}
	return csn, true, nil
}

// ResetPositions forgets every consumer position for baseDN.
func (s *Store) ResetPositions(baseDN string) error {
	prefix := []byte(positionPrefix(baseDN))
	if err := s.db.DeleteRange(prefix, prefixUpperBound(prefix), s.writeOpts); err != nil {
		return fmt.Errorf("failed to reset positions for %s: %w", baseDN, err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
