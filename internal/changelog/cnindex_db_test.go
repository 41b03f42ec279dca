package changelog

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/changelog/internal/logfile"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestIndex(t *testing.T, dir string) *ChangeNumberIndexDB {
	t.Helper()
	db, err := OpenChangeNumberIndexDB(dir, logfile.Options{MaxSegmentSize: 150, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Shutdown() })
	return db
}

func indexChanges(t *testing.T, db *ChangeNumberIndexDB, timestamps ...int64) {
	t.Helper()
	for _, ts := range timestamps {
		_, err := db.AddRecord(context.Background(), testBaseDN, testCSN(ts))
		require.NoError(t, err)
	}
}

func TestChangeNumbersStartAtOne(t *testing.T) {
	db := openTestIndex(t, t.TempDir())

	rec, err := db.NewestRecord()
	require.NoError(t, err)
	assert.Nil(t, rec)

	for i, ts := range []int64{100, 200, 300} {
		cn, err := db.AddRecord(context.Background(), testBaseDN, testCSN(ts))
		require.NoError(t, err)
		assert.Equal(t, model.ChangeNumber(i+1), cn)
	}

	oldest, err := db.OldestRecord()
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, model.ChangeNumber(1), oldest.ChangeNumber)
	assert.Equal(t, testCSN(100), oldest.CSN)
	assert.Equal(t, testBaseDN, oldest.BaseDN)

	newest, err := db.NewestRecord()
	require.NoError(t, err)
	require.NotNil(t, newest)
	assert.Equal(t, model.ChangeNumber(3), newest.ChangeNumber)
	assert.Equal(t, int64(3), db.NumberRecords())
}

func TestChangeNumbersContinueAfterRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenChangeNumberIndexDB(dir, logfile.Options{MaxSegmentSize: 150})
	require.NoError(t, err)
	indexChanges(t, db, 1, 2, 3, 4, 5)
	require.NoError(t, db.Shutdown())

	reopened := openTestIndex(t, dir)
	cn, err := reopened.AddRecord(context.Background(), testBaseDN, testCSN(6))
	require.NoError(t, err)
	assert.Equal(t, model.ChangeNumber(6), cn)
}

func TestChangeNumberCursor(t *testing.T) {
	db := openTestIndex(t, t.TempDir())
	indexChanges(t, db, 10, 20, 30, 40, 50, 60)

	c, err := db.GetCursorFrom(3, OnMatchingKey)
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Record())
	assert.Equal(t, testCSN(30), c.Record().CSN)
	var got []model.ChangeNumber
	for {
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, c.Record().ChangeNumber)
	}
	assert.Equal(t, []model.ChangeNumber{4, 5, 6}, got)
}

func TestIndexPurgeUpTo(t *testing.T) {
	db := openTestIndex(t, t.TempDir())
	for ts := int64(1); ts <= 20; ts++ {
		indexChanges(t, db, ts)
	}

	oldest, err := db.PurgeUpTo(testCSN(10))
	require.NoError(t, err)
	assert.Greater(t, int64(oldest), int64(1))
	assert.LessOrEqual(t, int64(oldest), int64(10))

	rec, err := db.OldestRecord()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, oldest, rec.ChangeNumber)
	assert.False(t, rec.CSN.Newer(testCSN(10)))

	// numbering is unaffected by purging
	cn, err := db.AddRecord(context.Background(), testBaseDN, testCSN(21))
	require.NoError(t, err)
	assert.Equal(t, model.ChangeNumber(21), cn)
}

func TestIndexPurgeEverythingKeepsNewest(t *testing.T) {
	db := openTestIndex(t, t.TempDir())
	for ts := int64(1); ts <= 20; ts++ {
		indexChanges(t, db, ts)
	}

	oldest, err := db.PurgeUpTo(model.MaxCSN())
	require.NoError(t, err)
	assert.Greater(t, int64(oldest), int64(1))

	newest, err := db.NewestRecord()
	require.NoError(t, err)
	require.NotNil(t, newest)
	assert.Equal(t, model.ChangeNumber(20), newest.ChangeNumber)
}

func TestIndexClearRestartsNumbering(t *testing.T) {
	db := openTestIndex(t, t.TempDir())
	indexChanges(t, db, 1, 2, 3)

	require.NoError(t, db.Clear())
	assert.Equal(t, int64(0), db.NumberRecords())

	cn, err := db.AddRecord(context.Background(), testBaseDN, testCSN(4))
	require.NoError(t, err)
	assert.Equal(t, model.ChangeNumber(1), cn)
}

func TestIndexPurgeEmpty(t *testing.T) {
	db := openTestIndex(t, t.TempDir())
	oldest, err := db.PurgeUpTo(model.MaxCSN())
	require.NoError(t, err)
	assert.Equal(t, model.ChangeNumber(0), oldest)
}
