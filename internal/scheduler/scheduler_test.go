package scheduler

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler(queueSize int) *Scheduler {
	return New(slog.New(slog.DiscardHandler), time.Second, queueSize)
}

func TestSchedulerEmitsDueRules(t *testing.T) {
	s := testScheduler(8)
	s.Track("rule-1", time.Minute)
	s.Track("rule-2", 5*time.Minute)

	base := time.Now()

	// Nothing is due before the first interval elapses.
	s.tick(base.Add(30 * time.Second))
	assert.Empty(t, s.due)

	s.tick(base.Add(61 * time.Second))
	require.Len(t, s.due, 1)
	assert.Equal(t, "rule-1", <-s.due)

	// rule-2 joins once its longer interval has passed.
	s.tick(base.Add(6 * time.Minute))
	got := map[string]bool{}
	got[<-s.due] = true
	got[<-s.due] = true
	assert.True(t, got["rule-1"])
	assert.True(t, got["rule-2"])
}

func TestSchedulerReschedulesAfterEmission(t *testing.T) {
	s := testScheduler(8)
	s.Track("rule-1", time.Minute)

	base := time.Now()
	s.tick(base.Add(61 * time.Second))
	require.Len(t, s.due, 1)
	<-s.due

	// The next due time is one interval after the emission, not after Track.
	s.tick(base.Add(90 * time.Second))
	assert.Empty(t, s.due)
	s.tick(base.Add(125 * time.Second))
	assert.Len(t, s.due, 1)
}

func TestSchedulerUntrack(t *testing.T) {
	s := testScheduler(8)
	s.Track("rule-1", time.Second)
	require.Equal(t, 1, s.Count())

	s.Untrack("rule-1")
	assert.Equal(t, 0, s.Count())

	s.tick(time.Now().Add(time.Hour))
	assert.Empty(t, s.due)
}

func TestSchedulerDropsWhenQueueFull(t *testing.T) {
	s := testScheduler(1)
	s.Track("rule-1", time.Second)
	s.Track("rule-2", time.Second)
	s.Track("rule-3", time.Second)

	// Three rules come due at once into a single-slot queue; the heartbeat
	// must not block, so two emissions are discarded and counted.
	s.tick(time.Now().Add(2 * time.Second))

	assert.Len(t, s.due, 1)
	assert.Equal(t, int64(2), s.Dropped())
}

func TestSchedulerTrackUpdatesInterval(t *testing.T) {
	s := testScheduler(8)
	s.Track("rule-1", time.Hour)
	s.Track("rule-1", time.Second)
	require.Equal(t, 1, s.Count())

	s.tick(time.Now().Add(2 * time.Second))
	assert.Len(t, s.due, 1)
}
