package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyRingStats(t *testing.T) {
	r := NewLatencyRing("test", 100*time.Millisecond)

	for _, d := range []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		200 * time.Millisecond, // one breach
	} {
		r.Observe(d)
	}

	stats := r.Stats()
	assert.Equal(t, int64(4), stats.Count)
	assert.Equal(t, 4, stats.WindowSize)
	assert.Equal(t, float64(10), stats.MinMS)
	assert.Equal(t, float64(200), stats.MaxMS)
	assert.Equal(t, float64(65), stats.AvgMS)
	assert.Equal(t, float64(200), stats.P95MS)
	assert.Equal(t, int64(1), stats.ThresholdBreaches)
	assert.Equal(t, float64(100), stats.ThresholdMS)
}

func TestLatencyRingWindowWraps(t *testing.T) {
	r := NewLatencyRing("test", time.Second)

	for i := 0; i < ringSize+50; i++ {
		r.Observe(time.Millisecond)
	}

	stats := r.Stats()
	assert.Equal(t, int64(ringSize+50), stats.Count, "total keeps counting past the window")
	assert.Equal(t, ringSize, stats.WindowSize, "window is bounded")
}

func TestLatencyRingReset(t *testing.T) {
	r := NewLatencyRing("test", time.Millisecond)
	r.Observe(10 * time.Millisecond)

	r.Reset()
	stats := r.Stats()
	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.WindowSize)
	assert.Zero(t, stats.ThresholdBreaches)
}

func TestLatencyRingEmpty(t *testing.T) {
	stats := NewLatencyRing("test", time.Second).Stats()
	assert.Zero(t, stats.WindowSize)
	assert.Zero(t, stats.AvgMS)
}
