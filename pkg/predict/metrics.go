package predict

import (
	"math"
	"time"
)

// Clock supplies the local time used to stamp inputs and measure round trips.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// UpdateMetrics folds one round-trip sample into the smoothed RTT and jitter.
// remote is the local send time echoed back by the authority. Samples that
// come out negative are treated as zero.
func (p *Predictor[S, I]) UpdateMetrics(remote time.Time) {
	sample := float64(p.clock.Now().Sub(remote))
	if sample < 0 {
		sample = 0
	}
	w := p.smoothing
	p.jitter = (1-w)*p.jitter + w*math.Abs(sample-p.rtt)
	p.rtt = (1-w)*p.rtt + w*sample
}

func (p *Predictor[S, I]) RTT() time.Duration {
	return time.Duration(p.rtt)
}

func (p *Predictor[S, I]) Jitter() time.Duration {
	return time.Duration(p.jitter)
}

// PredictionHorizon estimates how far the predicted state may run ahead of the
// confirmed one: half the smoothed RTT plus twice the smoothed jitter.
func (p *Predictor[S, I]) PredictionHorizon() time.Duration {
	return time.Duration(p.rtt/2 + 2*p.jitter)
}
