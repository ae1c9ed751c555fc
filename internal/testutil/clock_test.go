package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/exposurelog/internal/message"
)

func TestDeterministicClock_StartsAtEpoch(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, 20240315, message.DayObs(Epoch))
}

func TestDeterministicClock_NowAdvancesByStep(t *testing.T) {
	clock := NewDeterministicClockAt(Epoch, time.Minute)

	first := clock.Now()
	second := clock.Now()
	assert.Equal(t, time.Minute, second.Sub(first))
	assert.Equal(t, Epoch.Add(2*time.Minute), clock.Peek())
}

func TestDeterministicClock_AdvanceAndReset(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), clock.Now())

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestDeterministicClock_ConcurrentAccess(t *testing.T) {
	clock := NewDeterministicClock()

	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	seen := make(chan time.Time, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				seen <- clock.Now()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[time.Time]bool)
	for ts := range seen {
		require.False(t, unique[ts], "duplicate time %v", ts)
		unique[ts] = true
	}
	assert.Len(t, unique, goroutines*perGoroutine)
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("rev")
	assert.Equal(t, "rev-0001", g.Generate())
	assert.Equal(t, "rev-0002", g.Generate())

	assert.Equal(t, "id-0001", NewSequentialIDs("").Generate())
}

func TestFields_AreValid(t *testing.T) {
	f, err := Fields(42, "hello").Normalize()
	require.NoError(t, err)
	assert.Equal(t, "AT_O_20240315_000042", f.ObsID)
}
