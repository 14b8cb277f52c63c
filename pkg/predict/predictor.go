// Package predict applies local inputs optimistically and rebases them onto
// authoritative snapshots as they arrive.
//
// A Predictor is not safe for concurrent use. Hosts that receive local input
// and network input on different goroutines must serialize calls themselves.
package predict

import (
	"errors"
	"fmt"
	"time"
)

// Sequence numbers local inputs. The first input is 0.
type Sequence int64

// NoSequence marks a confirmed snapshot that acknowledges no local input yet.
const NoSequence Sequence = -1

const (
	DefaultCapacity   = 120
	DefaultMaxPending = 256
	DefaultSmoothing  = 0.1
)

var (
	ErrNilTransition   = errors.New("transition function is nil")
	ErrDiverged        = errors.New("too many unacknowledged inputs")
	ErrStaleSnapshot   = errors.New("confirmed snapshot is older than the last one reconciled")
	ErrUnknownSequence = errors.New("confirmed snapshot acknowledges an input that was never issued")
)

// State is a value that can produce an independent deep copy of itself.
type State[S any] interface {
	Clone() S
}

// ApplyFunc is a pure transition from one state to the next.
type ApplyFunc[S any, I any] func(state S, input I) S

type Input[I any] struct {
	Sequence  Sequence
	Timestamp time.Time
	Payload   I
}

type Snapshot[S any] struct {
	Sequence Sequence
	State    S
}

// Confirmed is an authoritative snapshot. Sequence is the highest local input
// the authority has applied when it produced State.
type Confirmed[S any] struct {
	Sequence Sequence
	State    S
}

type Predictor[S State[S], I any] struct {
	clock      Clock
	capacity   int
	maxPending int
	smoothing  float64

	next          Sequence
	lastConfirmed Sequence
	predicted     S
	confirmed     S
	pending       []Input[I]
	snapshots     *ring[Snapshot[S]]

	rtt    float64
	jitter float64
}

type Option func(*options)

type options struct {
	clock      Clock
	capacity   int
	maxPending int
	smoothing  float64
}

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCapacity sets how many predicted snapshots are retained.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithMaxPending bounds the unacknowledged input buffer. Predict returns
// ErrDiverged once the bound is reached.
func WithMaxPending(n int) Option {
	return func(o *options) { o.maxPending = n }
}

// WithSmoothing sets the weight given to each new latency sample.
func WithSmoothing(w float64) Option {
	return func(o *options) { o.smoothing = w }
}

func New[S State[S], I any](initial S, opts ...Option) *Predictor[S, I] {
	o := options{
		clock:      SystemClock{},
		capacity:   DefaultCapacity,
		maxPending: DefaultMaxPending,
		smoothing:  DefaultSmoothing,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}
	if o.maxPending <= 0 {
		o.maxPending = DefaultMaxPending
	}
	if o.smoothing <= 0 || o.smoothing > 1 {
		o.smoothing = DefaultSmoothing
	}
	return &Predictor[S, I]{
		clock:         o.clock,
		capacity:      o.capacity,
		maxPending:    o.maxPending,
		smoothing:     o.smoothing,
		lastConfirmed: NoSequence,
		predicted:     initial.Clone(),
		confirmed:     initial.Clone(),
		snapshots:     newRing[Snapshot[S]](o.capacity),
	}
}

// Predict applies input to the predicted state and returns a copy of the
// result. The input is kept until a confirmed snapshot acknowledges it.
func (p *Predictor[S, I]) Predict(input I, apply ApplyFunc[S, I]) (S, error) {
	var zero S
	if apply == nil {
		return zero, ErrNilTransition
	}
	if len(p.pending) >= p.maxPending {
		return zero, fmt.Errorf("%w: %d pending", ErrDiverged, len(p.pending))
	}

	seq := p.next
	p.next++
	p.pending = append(p.pending, Input[I]{Sequence: seq, Timestamp: p.clock.Now(), Payload: input})
	p.predicted = apply(p.predicted, input)
	p.snapshots.push(Snapshot[S]{Sequence: seq, State: p.predicted.Clone()})
	return p.predicted.Clone(), nil
}

// Reconcile adopts confirmed as the new base and replays every input the
// authority has not yet applied on top of it. The returned state is a copy of
// the new prediction.
//
// Retained snapshots of the replayed inputs are rewritten with the replayed
// states. Snapshots older than the last reconciled one are rejected with
// ErrStaleSnapshot and leave the predictor untouched.
func (p *Predictor[S, I]) Reconcile(confirmed Confirmed[S], apply ApplyFunc[S, I]) (S, error) {
	var zero S
	if apply == nil {
		return zero, ErrNilTransition
	}
	if confirmed.Sequence < p.lastConfirmed {
		return zero, fmt.Errorf("%w: got %d, have %d", ErrStaleSnapshot, confirmed.Sequence, p.lastConfirmed)
	}
	if confirmed.Sequence >= p.next {
		return zero, fmt.Errorf("%w: got %d, next is %d", ErrUnknownSequence, confirmed.Sequence, p.next)
	}

	p.confirmed = confirmed.State.Clone()
	p.lastConfirmed = confirmed.Sequence

	keep := 0
	for keep < len(p.pending) && p.pending[keep].Sequence <= confirmed.Sequence {
		keep++
	}
	p.pending = append(p.pending[:0], p.pending[keep:]...)

	state := p.confirmed.Clone()
	replayed := make(map[Sequence]S, len(p.pending))
	for _, in := range p.pending {
		state = apply(state, in.Payload)
		replayed[in.Sequence] = state.Clone()
	}
	p.snapshots.update(func(snap *Snapshot[S]) {
		if s, ok := replayed[snap.Sequence]; ok {
			snap.State = s
		}
	})
	p.predicted = state
	return p.predicted.Clone(), nil
}

// Resync discards every buffered input and snapshot and adopts confirmed
// wholesale. Sequence numbers keep counting from where they were, or jump past
// confirmed.Sequence if the authority has seen more than this predictor issued.
func (p *Predictor[S, I]) Resync(confirmed Confirmed[S]) S {
	p.confirmed = confirmed.State.Clone()
	p.predicted = confirmed.State.Clone()
	p.pending = p.pending[:0]
	p.snapshots.reset()
	if confirmed.Sequence > p.lastConfirmed {
		p.lastConfirmed = confirmed.Sequence
	}
	if confirmed.Sequence >= p.next {
		p.next = confirmed.Sequence + 1
	}
	return p.predicted.Clone()
}

func (p *Predictor[S, I]) Predicted() S {
	return p.predicted.Clone()
}

func (p *Predictor[S, I]) ConfirmedState() S {
	return p.confirmed.Clone()
}

// LastConfirmed is the sequence of the most recent reconciled snapshot, or
// NoSequence.
func (p *Predictor[S, I]) LastConfirmed() Sequence {
	return p.lastConfirmed
}

// NextSequence is the sequence the next Predict call will allocate.
func (p *Predictor[S, I]) NextSequence() Sequence {
	return p.next
}

// Pending returns the unacknowledged inputs in ascending sequence order.
func (p *Predictor[S, I]) Pending() []Input[I] {
	out := make([]Input[I], len(p.pending))
	copy(out, p.pending)
	return out
}

// Snapshots returns the retained predicted snapshots, oldest first.
func (p *Predictor[S, I]) Snapshots() []Snapshot[S] {
	out := p.snapshots.items()
	for i := range out {
		out[i].State = out[i].State.Clone()
	}
	return out
}

func (p *Predictor[S, I]) SnapshotAt(seq Sequence) (S, bool) {
	var zero S
	for _, s := range p.snapshots.items() {
		if s.Sequence == seq {
			return s.State.Clone(), true
		}
	}
	return zero, false
}
