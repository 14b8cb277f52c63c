package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/session-sync/pkg/predict"
	"github.com/astromechza/session-sync/pkg/register"
)

// Telemetry receives counts from the authority. A nil Telemetry is allowed.
type Telemetry interface {
	RecordInput()
	RecordOperation(accepted bool)
	SetParticipants(n int)
}

type seat struct {
	connected bool
	avatar    *Avatar
	applied predict.Sequence
	sentAt  time.Time
	echoed  bool
}

// Authority is the relay side of one session. It applies every participant's
// inputs to an authoritative avatar and merges register operations from all
// of them into a shared store.
type Authority struct {
	mu        sync.Mutex
	store     *register.Store
	seats     map[register.OriginID]*seat
	telemetry Telemetry
}

func NewAuthority(origin register.OriginID, telemetry Telemetry) (*Authority, error) {
	store, err := register.NewStore(origin)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return &Authority{
		store:     store,
		seats:     make(map[register.OriginID]*seat),
		telemetry: telemetry,
	}, nil
}

// Join seats origin, or reconnects it to its existing seat, and returns the
// operations it has not observed according to vector.
func (a *Authority) Join(origin register.OriginID, vector register.StateVector) (Envelope, error) {
	if origin == "" {
		return Envelope{}, register.ErrEmptyOrigin
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.seats[origin]
	if !ok {
		s = &seat{avatar: &Avatar{}, applied: predict.NoSequence}
		a.seats[origin] = s
	}
	s.connected = true
	a.reportParticipants()
	return Envelope{Type: MessageOperations, Origin: a.store.Origin(), Operations: a.store.Missing(vector)}, nil
}

// Leave marks origin as disconnected. The seat is kept so that a reconnecting
// participant continues from its last applied sequence.
func (a *Authority) Leave(origin register.OriginID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.seats[origin]; ok {
		s.connected = false
	}
	a.reportParticipants()
}

func (a *Authority) reportParticipants() {
	if a.telemetry != nil {
		a.telemetry.SetParticipants(len(a.connected()))
	}
}

func (a *Authority) connected() []register.OriginID {
	out := make([]register.OriginID, 0, len(a.seats))
	for origin, s := range a.seats {
		if s.connected {
			out = append(out, origin)
		}
	}
	slices.Sort(out)
	return out
}

// ApplyInput runs one input against origin's authoritative avatar. Inputs at
// or below the last applied sequence are ignored.
func (a *Authority) ApplyInput(origin register.OriginID, in InputMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.seats[origin]
	if !ok {
		return fmt.Errorf("input from unknown participant %q", origin)
	}
	if in.Sequence <= s.applied {
		slog.Debug("ignoring replayed input", "origin", origin, "sequence", in.Sequence, "applied", s.applied)
		return nil
	}
	s.avatar = Step(s.avatar, in.Action)
	s.applied = in.Sequence
	s.sentAt = in.SentAt
	s.echoed = false
	if a.telemetry != nil {
		a.telemetry.RecordInput()
	}
	return nil
}

// ApplyOperations merges ops into the shared store and returns the ones that
// were accepted, which are the ones worth forwarding to other participants.
func (a *Authority) ApplyOperations(ops []register.Operation) []register.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()
	var accepted []register.Operation
	for _, op := range ops {
		ok, err := a.store.Reconcile(op)
		if err != nil {
			slog.Warn("dropping operation", "origin", op.Origin, "clock", op.Clock, "err", err)
			continue
		}
		if a.telemetry != nil {
			a.telemetry.RecordOperation(ok)
		}
		if ok {
			accepted = append(accepted, op)
		}
	}
	return accepted
}

// Confirm builds the confirmed snapshot for origin.
func (a *Authority) Confirm(origin register.OriginID) (Envelope, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.seats[origin]
	if !ok {
		return Envelope{}, false
	}
	c := &ConfirmedMessage{Sequence: s.applied, State: *s.avatar.Clone()}
	if !s.echoed && s.applied != predict.NoSequence {
		c.EchoSentAt = s.sentAt
		s.echoed = true
	}
	return Envelope{Type: MessageConfirmed, Origin: a.store.Origin(), Confirmed: c}, true
}

// Participants returns the connected origins.
func (a *Authority) Participants() []register.OriginID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected()
}

// View runs fn with exclusive access to the shared store.
func (a *Authority) View(fn func(*register.Store) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn(a.store)
}
