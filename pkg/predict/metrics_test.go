package predict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func assertDuration(t *testing.T, want, got time.Duration) {
	t.Helper()
	assert.InDelta(t, float64(want), float64(got), float64(time.Microsecond))
}

func TestUpdateMetricsSingleSample(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := New[*score, int](&score{}, WithClock(clock))

	p.UpdateMetrics(clock.now.Add(-100 * time.Millisecond))
	assertDuration(t, 10*time.Millisecond, p.RTT())
	assertDuration(t, 10*time.Millisecond, p.Jitter())
	assertDuration(t, 25*time.Millisecond, p.PredictionHorizon())

	p.UpdateMetrics(clock.now.Add(-100 * time.Millisecond))
	// jitter uses the rtt from before this sample: 0.9*10 + 0.1*|100-10|
	assertDuration(t, 18*time.Millisecond, p.Jitter())
	assertDuration(t, 19*time.Millisecond, p.RTT())
	assertDuration(t, p.RTT()/2+2*p.Jitter(), p.PredictionHorizon())
}

func TestUpdateMetricsConverges(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := New[*score, int](&score{}, WithClock(clock))

	for i := 0; i < 400; i++ {
		clock.advance(16 * time.Millisecond)
		p.UpdateMetrics(clock.now.Add(-50 * time.Millisecond))
	}
	assertDuration(t, 50*time.Millisecond, p.RTT())
	assertDuration(t, 0, p.Jitter())
	assertDuration(t, 25*time.Millisecond, p.PredictionHorizon())
}

func TestUpdateMetricsClampsNegativeSamples(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := New[*score, int](&score{}, WithClock(clock))

	p.UpdateMetrics(clock.now.Add(time.Second))
	assert.Equal(t, time.Duration(0), p.RTT())
	assert.Equal(t, time.Duration(0), p.Jitter())
}

func TestWithSmoothing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := New[*score, int](&score{}, WithClock(clock), WithSmoothing(0.5))

	p.UpdateMetrics(clock.now.Add(-40 * time.Millisecond))
	assertDuration(t, 20*time.Millisecond, p.RTT())
}

func TestRingReset(t *testing.T) {
	r := newRing[int](3)
	for i := 0; i < 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{2, 3, 4}, r.items())
	assert.Equal(t, 3, r.len())
	r.reset()
	assert.Equal(t, 0, r.len())
	r.push(7)
	assert.Equal(t, []int{7}, r.items())
}
