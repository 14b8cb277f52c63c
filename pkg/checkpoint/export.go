package checkpoint

import (
	"encoding/hex"
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/session-sync/pkg/register"
)

const (
	registersPath = "registers"
	vectorPath    = "vector"
)

// ExportDoc copies every register and the state vector of store into a new
// automerge document so that any automerge reader can inspect a session.
func ExportDoc(store *register.Store) (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.SetActorID(hex.EncodeToString([]byte(store.Origin()))); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}

	registers := make(map[string]interface{})
	for _, r := range store.Registers() {
		registers[r.Key] = map[string]interface{}{
			"origin": string(r.Origin),
			"clock":  int64(r.Clock),
			"value":  r.Value,
		}
	}
	if err := doc.Path(registersPath).Set(registers); err != nil {
		return nil, fmt.Errorf("failed to set registers: %w", err)
	}

	vector := make(map[string]interface{})
	for origin, clock := range store.StateVector() {
		vector[string(origin)] = int64(clock)
	}
	if err := doc.Path(vectorPath).Set(vector); err != nil {
		return nil, fmt.Errorf("failed to set state vector: %w", err)
	}

	if _, err := doc.Commit("checkpoint", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return doc, nil
}

// ReadDoc loads a document produced by ExportDoc.
func ReadDoc(raw []byte) ([]register.Register, register.StateVector, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load doc: %w", err)
	}

	var registers []register.Register
	value, err := doc.Path(registersPath).Get()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get registers: %w", err)
	}
	entries, _ := value.Interface().(map[string]interface{})
	for key, raw := range entries {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("register %q is not a map", key)
		}
		origin, _ := fields["origin"].(string)
		clock, err := asUint(fields["clock"])
		if err != nil {
			return nil, nil, fmt.Errorf("register %q: %w", key, err)
		}
		v, _ := fields["value"].([]byte)
		registers = append(registers, register.Register{
			Origin: register.OriginID(origin),
			Clock:  clock,
			Key:    key,
			Value:  v,
		})
	}

	vector := register.StateVector{}
	value, err = doc.Path(vectorPath).Get()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get state vector: %w", err)
	}
	clocks, _ := value.Interface().(map[string]interface{})
	for origin, raw := range clocks {
		clock, err := asUint(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("state vector entry %q: %w", origin, err)
		}
		vector.Observe(register.OriginID(origin), clock)
	}
	return registers, vector, nil
}

func asUint(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int64:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("unexpected clock type %T", v)
	}
}
