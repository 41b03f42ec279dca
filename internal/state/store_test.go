package state

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, false, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestChangelogIDIsStable(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	id, err := s.EnsureChangelogID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := s.EnsureChangelogID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir)
	defer reopened.Close()
	afterRestart, err := reopened.EnsureChangelogID()
	require.NoError(t, err)
	assert.Equal(t, id, afterRestart)
}

func TestGenerationID(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, ok, err := s.GenerationID("o=a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetGenerationID("o=a/b", 42))
	gen, ok, err := s.GenerationID("o=a/b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), gen)
}

func TestCommitPositionNeverRegresses(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	first := model.NewCSN(100, 0, 1)
	older := model.NewCSN(50, 0, 1)
	newer := model.NewCSN(200, 0, 1)

	ok, err := s.CommitPosition("audit", "dc=example", 1, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CommitPosition("audit", "dc=example", 1, older)
	require.NoError(t, err)
	assert.False(t, ok)

	pos, found, err := s.Position("audit", "dc=example", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, pos)

	ok, err = s.CommitPosition("audit", "dc=example", 1, newer)
	require.NoError(t, err)
	assert.True(t, ok)
	pos, _, err = s.Position("audit", "dc=example", 1)
	require.NoError(t, err)
	assert.Equal(t, newer, pos)
}

func TestConcurrentCommitsKeepNewestPosition(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	const commits = 200
	order := rand.Perm(commits)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		advanced int
	)
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < commits; i += 8 {
				ok, err := s.CommitPosition("audit", "dc=example", 1, model.NewCSN(int64(1000+order[i]), 0, 1))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					advanced++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	pos, found, err := s.Position("audit", "dc=example", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.NewCSN(int64(1000+commits-1), 0, 1), pos)
	assert.GreaterOrEqual(t, advanced, 1)

	ok, err := s.CommitPosition("audit", "dc=example", 1, model.NewCSN(1000, 0, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetPositionsIsScopedToDomain(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	csn := model.NewCSN(100, 0, 1)
	_, err := s.CommitPosition("audit", "dc=a", 1, csn)
	require.NoError(t, err)
	_, err = s.CommitPosition("audit", "dc=b", 1, csn)
	require.NoError(t, err)

	require.NoError(t, s.ResetPositions("dc=a"))

	_, found, err := s.Position("audit", "dc=a", 1)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Position("audit", "dc=b", 1)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("pos0"), prefixUpperBound([]byte("pos/")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff}))
}
