package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/session-sync/pkg/predict"
	"github.com/astromechza/session-sync/pkg/register"
)

// Participant hosts one predictor and one register store for a local player.
// The mutex serializes local actions against messages arriving from the
// relay; the components themselves do no locking.
type Participant struct {
	mu        sync.Mutex
	origin    register.OriginID
	predictor *predict.Predictor[*Avatar, Action]
	store     *register.Store
	clock     predict.Clock
	diverged  bool
}

// NewParticipant creates a participant writing as origin. clock stamps both the
// predictor's inputs and outgoing envelopes; nil means the system clock.
func NewParticipant(origin register.OriginID, initial Avatar, clock predict.Clock, opts ...predict.Option) (*Participant, error) {
	store, err := register.NewStore(origin)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if clock == nil {
		clock = predict.SystemClock{}
	}
	opts = append(opts, predict.WithClock(clock))
	return &Participant{
		origin:    origin,
		store:     store,
		clock:     clock,
		predictor: predict.New[*Avatar, Action](&initial, opts...),
	}, nil
}

func (p *Participant) Origin() register.OriginID {
	return p.origin
}

// Hello is the first envelope sent after connecting.
func (p *Participant) Hello() Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Envelope{Type: MessageHello, Origin: p.origin, StateVector: p.store.StateVector()}
}

// Run says hello on conn and then pumps out to the relay and relay messages
// into Handle until ctx is done or the connection closes.
func (p *Participant) Run(ctx context.Context, conn *websocket.Conn, out <-chan Envelope) error {
	if err := writeMessage(conn, p.Hello()); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to say hello: %w", err)
	}
	return Sync(ctx, conn, out, p.Handle)
}

// Act predicts action locally and returns the predicted avatar together with
// the input envelope to send. Once the unacknowledged buffer is full it returns
// predict.ErrDiverged and the next confirmed snapshot triggers a full resync.
func (p *Participant) Act(action Action) (*Avatar, Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.predictor.NextSequence()
	avatar, err := p.predictor.Predict(action, Step)
	if err != nil {
		if errors.Is(err, predict.ErrDiverged) {
			p.diverged = true
		}
		return nil, Envelope{}, err
	}
	return avatar, Envelope{
		Type:   MessageInput,
		Origin: p.origin,
		Input:  &InputMessage{Sequence: seq, SentAt: p.clock.Now(), Action: action},
	}, nil
}

// Write stamps and applies a register write locally and returns the envelope
// that shares it.
func (p *Participant) Write(key string, value []byte) (register.Operation, Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	op, err := p.store.CreateOperation(key, value)
	if err != nil {
		return register.Operation{}, Envelope{}, err
	}
	if _, err := p.store.Reconcile(op); err != nil {
		return register.Operation{}, Envelope{}, fmt.Errorf("failed to apply local write: %w", err)
	}
	return op, Envelope{Type: MessageOperations, Origin: p.origin, Operations: []register.Operation{op}}, nil
}

// Handle applies an envelope received from the relay.
func (p *Participant) Handle(env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch env.Type {
	case MessageConfirmed:
		if env.Confirmed == nil {
			return fmt.Errorf("confirmed envelope without payload")
		}
		return p.handleConfirmed(*env.Confirmed)
	case MessageOperations:
		for _, op := range env.Operations {
			if _, err := p.store.Reconcile(op); err != nil {
				slog.Warn("dropping operation", "origin", op.Origin, "clock", op.Clock, "err", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unexpected message type: %q", env.Type)
	}
}

func (p *Participant) handleConfirmed(c ConfirmedMessage) error {
	if !c.EchoSentAt.IsZero() {
		p.predictor.UpdateMetrics(c.EchoSentAt)
	}
	confirmed := predict.Confirmed[*Avatar]{Sequence: c.Sequence, State: &c.State}
	if p.diverged {
		if c.Sequence < p.predictor.LastConfirmed() {
			slog.Debug("ignoring stale snapshot while diverged", "sequence", c.Sequence, "last", p.predictor.LastConfirmed())
			return nil
		}
		p.predictor.Resync(confirmed)
		p.diverged = false
		slog.Warn("resynced after divergence", "sequence", c.Sequence)
		return nil
	}
	_, err := p.predictor.Reconcile(confirmed, Step)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, predict.ErrStaleSnapshot):
		slog.Debug("ignoring stale snapshot", "err", err)
		return nil
	case errors.Is(err, predict.ErrUnknownSequence):
		p.predictor.Resync(confirmed)
		slog.Warn("resynced after unknown sequence", "err", err)
		return nil
	default:
		return fmt.Errorf("failed to reconcile: %w", err)
	}
}

func (p *Participant) Predicted() *Avatar {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictor.Predicted()
}

func (p *Participant) Confirmed() *Avatar {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictor.ConfirmedState()
}

func (p *Participant) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.predictor.Pending())
}

func (p *Participant) PredictionHorizon() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictor.PredictionHorizon()
}

func (p *Participant) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictor.RTT()
}

func (p *Participant) Snapshot() map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Snapshot()
}

func (p *Participant) StateVector() register.StateVector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.StateVector()
}

func (p *Participant) Jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictor.Jitter()
}
