package csn

import (
	"math"
	"sync"
	"testing"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withClock(t *testing.T, fn func() int64) {
	t.Helper()
	prev := NowMs
	NowMs = fn
	t.Cleanup(func() { NowMs = prev })
}

func TestNewCSNStrictlyIncreasing(t *testing.T) {
	g := NewGenerator(7, 0)

	prev := g.NewCSN()
	for i := 0; i < 10000; i++ {
		next := g.NewCSN()
		require.True(t, next.Newer(prev), "%s must be after %s", next, prev)
		assert.Equal(t, int32(7), next.ServerID)
		prev = next
	}
}

func TestNewCSNFrozenClockIncrementsSequence(t *testing.T) {
	withClock(t, func() int64 { return 1000 })
	g := NewGenerator(1, 0)

	assert.Equal(t, model.NewCSN(1000, 0, 1), g.NewCSN())
	assert.Equal(t, model.NewCSN(1000, 1, 1), g.NewCSN())
	assert.Equal(t, model.NewCSN(1000, 2, 1), g.NewCSN())
}

func TestNewCSNClockBehindFloor(t *testing.T) {
	withClock(t, func() int64 { return 10 })
	g := NewGenerator(1, 500)

	first := g.NewCSN()
	assert.Equal(t, int64(500), first.Timestamp)
	assert.True(t, g.NewCSN().Newer(first))
}

func TestNewCSNSequenceExhaustion(t *testing.T) {
	t.Run("clock behind floor advances the floor", func(t *testing.T) {
		withClock(t, func() int64 { return 10 })
		g := NewGeneratorFrom(1, model.NewCSN(500, math.MaxInt32, 1))

		next := g.NewCSN()
		assert.Equal(t, model.NewCSN(501, 0, 1), next)
	})

	t.Run("clock at floor waits for the next tick", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		withClock(t, func() int64 {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 5 {
				return 500
			}
			return 501
		})
		g := NewGeneratorFrom(1, model.NewCSN(500, math.MaxInt32, 1))

		next := g.NewCSN()
		assert.Equal(t, model.NewCSN(501, 0, 1), next)
	})
}

func TestNewCSNConcurrent(t *testing.T) {
	g := NewGenerator(3, 0)
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[model.CSN]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c := g.NewCSN()
				mu.Lock()
				seen[c] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestAdjust(t *testing.T) {
	withClock(t, func() int64 { return 100 })
	g := NewGenerator(1, 0)
	g.NewCSN()

	remote := model.NewCSN(900, 4, 2)
	g.Adjust(remote)
	assert.True(t, g.NewCSN().Newer(remote))

	g.Adjust(model.NewCSN(50, 0, 2))
	next := g.NewCSN()
	assert.Equal(t, int64(900), next.Timestamp)
}
