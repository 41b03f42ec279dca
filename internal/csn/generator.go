package csn

import (
	"math"
	"sync"
	"time"

	"github.com/devrev/pairdb/changelog/internal/model"
)

// NowMs returns the current wall clock in milliseconds. Tests replace it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator produces strictly increasing CSNs for a single server id.
type Generator struct {
	mu       sync.Mutex
	serverID int32
	lastTime int64
	seqNum   int32
}

// NewGenerator creates a generator whose first CSN is after lastTime.
func NewGenerator(serverID int32, lastTime int64) *Generator {
	return &Generator{serverID: serverID, lastTime: lastTime, seqNum: 0}
}

// NewGeneratorFrom creates a generator that never emits a CSN at or before last.
// Seeding with the newest CSN of a replica changelog keeps CSNs monotonic
// across restarts.
func NewGeneratorFrom(serverID int32, last model.CSN) *Generator {
	return &Generator{serverID: serverID, lastTime: last.Timestamp, seqNum: last.SeqNum}
}

// NewCSN returns the next CSN.
func (g *Generator) NewCSN() model.CSN {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := NowMs()
	if now > g.lastTime {
		g.lastTime = now
		g.seqNum = 0
		return model.NewCSN(g.lastTime, g.seqNum, g.serverID)
	}

	if g.seqNum == math.MaxInt32 {
		if now < g.lastTime {
			// clock is behind the floor, waiting for it could take arbitrarily long
			g.lastTime++
		} else {
			for {
				now = NowMs()
				if now > g.lastTime {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.lastTime = now
		}
		g.seqNum = 0
		return model.NewCSN(g.lastTime, g.seqNum, g.serverID)
	}

	g.seqNum++
	return model.NewCSN(g.lastTime, g.seqNum, g.serverID)
}

// Adjust moves the floor forward when a CSN observed from another server is
// newer than anything generated locally, so the next local CSN sorts after it.
func (g *Generator) Adjust(observed model.CSN) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if observed.Timestamp > g.lastTime {
		g.lastTime = observed.Timestamp
		g.seqNum = observed.SeqNum
		return
	}
	if observed.Timestamp == g.lastTime && observed.SeqNum > g.seqNum {
		g.seqNum = observed.SeqNum
	}
}

// ServerID returns the server id stamped on generated CSNs.
func (g *Generator) ServerID() int32 {
	return g.serverID
}
