// Package register keeps one last-writer-wins register per named field and
// merges operations from any number of origins in any order.
//
// Every origin has a single clock shared by all the keys it writes. That
// orders an origin's own writes globally, but it is not a per-key vector
// clock: a reader cannot tell from the registers alone whether a write to one
// key causally depended on a write to another.
//
// A Store is not safe for concurrent use.
package register

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// OriginID identifies a writer. Origins are compared lexicographically to
// break clock ties.
type OriginID string

var (
	ErrEmptyOrigin        = errors.New("origin id is empty")
	ErrMalformedOperation = errors.New("malformed operation")
)

// Operation is the unit exchanged between participants.
type Operation struct {
	Origin OriginID `json:"origin"`
	Clock  uint64   `json:"clock"`
	Key    string   `json:"key"`
	Value  []byte   `json:"value"`
}

// Register is the stored winner for a key.
type Register Operation

func (op Operation) clone() Operation {
	op.Value = bytes.Clone(op.Value)
	return op
}

func (op Operation) validate() error {
	switch {
	case op.Origin == "":
		return fmt.Errorf("%w: empty origin", ErrMalformedOperation)
	case op.Clock == 0:
		return fmt.Errorf("%w: zero clock", ErrMalformedOperation)
	case op.Key == "":
		return fmt.Errorf("%w: empty key", ErrMalformedOperation)
	}
	return nil
}

// wins reports whether op beats the current register. Clocks compare first,
// then origins. An identical stamp falls back to the value bytes so that
// replays still converge.
func (op Operation) wins(cur Register) bool {
	if op.Clock != cur.Clock {
		return op.Clock > cur.Clock
	}
	if op.Origin != cur.Origin {
		return op.Origin > cur.Origin
	}
	return bytes.Compare(op.Value, cur.Value) > 0
}

type Store struct {
	origin    OriginID
	vector    StateVector
	registers map[string]Register
}

func NewStore(origin OriginID) (*Store, error) {
	if origin == "" {
		return nil, ErrEmptyOrigin
	}
	return &Store{
		origin:    origin,
		vector:    StateVector{},
		registers: make(map[string]Register),
	}, nil
}

func (s *Store) Origin() OriginID {
	return s.origin
}

// CreateOperation stamps a write to key with the next local clock value. The
// operation is not applied; pass it to Reconcile for that.
func (s *Store) CreateOperation(key string, value []byte) (Operation, error) {
	if key == "" {
		return Operation{}, fmt.Errorf("%w: empty key", ErrMalformedOperation)
	}
	clock := s.vector[s.origin] + 1
	s.vector[s.origin] = clock
	return Operation{
		Origin: s.origin,
		Clock:  clock,
		Key:    key,
		Value:  bytes.Clone(value),
	}, nil
}

// Reconcile records op's clock in the state vector and stores op as the
// register for its key if it wins against the current one. It returns whether
// op was stored.
func (s *Store) Reconcile(op Operation) (bool, error) {
	if err := op.validate(); err != nil {
		return false, err
	}
	s.vector.Observe(op.Origin, op.Clock)

	cur, ok := s.registers[op.Key]
	if ok && !op.wins(cur) {
		return false, nil
	}
	s.registers[op.Key] = Register(op.clone())
	return true, nil
}

func (s *Store) Get(key string) ([]byte, bool) {
	r, ok := s.registers[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(r.Value), true
}

// Snapshot returns the current value of every key.
func (s *Store) Snapshot() map[string][]byte {
	out := make(map[string][]byte, len(s.registers))
	for key, r := range s.registers {
		out[key] = bytes.Clone(r.Value)
	}
	return out
}

func (s *Store) StateVector() StateVector {
	return s.vector.Clone()
}

// Registers returns every stored register sorted by key.
func (s *Store) Registers() []Register {
	out := make([]Register, 0, len(s.registers))
	for _, r := range s.registers {
		out = append(out, Register(Operation(r).clone()))
	}
	slices.SortFunc(out, func(a, b Register) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// Missing returns the registers written by an origin clock that remote has
// not observed yet, sorted by key.
func (s *Store) Missing(remote StateVector) []Operation {
	var out []Operation
	for _, r := range s.Registers() {
		if r.Clock > remote.Get(r.Origin) {
			out = append(out, Operation(r))
		}
	}
	return out
}

// Restore replaces the store's content with registers and vector, as read back
// from a checkpoint. The vector is raised to cover every restored register.
func (s *Store) Restore(registers []Register, vector StateVector) error {
	regs := make(map[string]Register, len(registers))
	vv := vector.Clone()
	for _, r := range registers {
		op := Operation(r)
		if err := op.validate(); err != nil {
			return fmt.Errorf("failed to restore register %q: %w", r.Key, err)
		}
		vv.Observe(r.Origin, r.Clock)
		if cur, ok := regs[r.Key]; ok && !op.wins(cur) {
			continue
		}
		regs[r.Key] = Register(op.clone())
	}
	s.registers = regs
	s.vector = vv
	return nil
}
