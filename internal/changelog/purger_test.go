package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurgeBefore(t *testing.T) {
	env := newTestEnvironment(t, t.TempDir())
	var timestamps []int64
	for ts := int64(1); ts <= 40; ts++ {
		timestamps = append(timestamps, ts)
	}
	addTo(t, env, "dc=a", 1, timestamps...)
	addTo(t, env, "dc=b", 2, timestamps...)

	ix := NewChangeNumberIndexer(env, 0)
	defer ix.Close()
	_, err := ix.IndexPending(context.Background())
	require.NoError(t, err)

	p := NewPurger(env, PurgerConfig{Workers: 2})
	defer p.Stop()

	res, err := p.PurgeBefore(context.Background(), model.NewCSN(25, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replicas)
	assert.Greater(t, res.RecordsRemoved, int64(0))

	for _, db := range env.ReplicaDBs() {
		oldest, ok := db.OldestCSN()
		require.True(t, ok)
		assert.LessOrEqual(t, oldest.Timestamp, int64(25), db.String())
		newest, _ := db.NewestCSN()
		assert.Equal(t, int64(40), newest.Timestamp)
	}

	// the index still references every retained change
	oldestRec, err := env.ChangeNumberIndexDB().OldestRecord()
	require.NoError(t, err)
	require.NotNil(t, oldestRec)
	assert.Equal(t, res.OldestIndexedCN, oldestRec.ChangeNumber)
	for _, db := range env.ReplicaDBs() {
		oldest, _ := db.OldestCSN()
		assert.False(t, oldestRec.CSN.Newer(oldest), "index dropped a retained change of %s", db)
	}
}

func TestPurgeBeforeKeepsNewest(t *testing.T) {
	env := newTestEnvironment(t, t.TempDir())
	var timestamps []int64
	for ts := int64(1); ts <= 40; ts++ {
		timestamps = append(timestamps, ts)
	}
	addTo(t, env, "dc=a", 1, timestamps...)

	p := NewPurger(env, PurgerConfig{})
	defer p.Stop()
	_, err := p.PurgeBefore(context.Background(), model.MaxCSN())
	require.NoError(t, err)

	db := env.ReplicaDB("dc=a", 1)
	assert.Greater(t, db.NumberRecords(), int64(0))
	newest, _ := db.NewestCSN()
	assert.Equal(t, int64(40), newest.Timestamp)
}

func TestPurgerHorizon(t *testing.T) {
	env := newTestEnvironment(t, t.TempDir())
	p := NewPurger(env, PurgerConfig{Delay: time.Hour})
	defer p.Stop()

	now := time.UnixMilli(10_000_000)
	assert.Equal(t, model.NewCSN(10_000_000-time.Hour.Milliseconds(), 0, 0), p.Horizon(now))
}

func TestPurgeBeforeCanceled(t *testing.T) {
	env := newTestEnvironment(t, t.TempDir())
	addTo(t, env, "dc=a", 1, 1, 2)

	p := NewPurger(env, PurgerConfig{RatePerSecond: 1})
	defer p.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.PurgeBefore(ctx, model.MaxCSN())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPurgerRun(t *testing.T) {
	env := newTestEnvironment(t, t.TempDir())
	var timestamps []int64
	for ts := int64(1); ts <= 40; ts++ {
		timestamps = append(timestamps, ts)
	}
	addTo(t, env, "dc=a", 1, timestamps...)

	// a zero delay makes every stored change eligible
	p := NewPurger(env, PurgerConfig{Interval: 10 * time.Millisecond})
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return env.ReplicaDB("dc=a", 1).NumberRecords() < 40
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
