package register

import (
	"maps"
	"slices"
)

// StateVector records the highest clock observed from each origin.
type StateVector map[OriginID]uint64

func (vv StateVector) Get(origin OriginID) uint64 {
	return vv[origin]
}

// Observe raises the entry for origin to clock. Entries never decrease.
func (vv StateVector) Observe(origin OriginID, clock uint64) {
	if clock > vv[origin] {
		vv[origin] = clock
	}
}

// Merge observes every entry of other.
func (vv StateVector) Merge(other StateVector) {
	for origin, clock := range other {
		vv.Observe(origin, clock)
	}
}

// Covers reports whether vv has observed at least everything other has.
func (vv StateVector) Covers(other StateVector) bool {
	for origin, clock := range other {
		if clock > vv[origin] {
			return false
		}
	}
	return true
}

func (vv StateVector) Clone() StateVector {
	if vv == nil {
		return StateVector{}
	}
	return maps.Clone(vv)
}

// Origins returns the known origins in ascending order.
func (vv StateVector) Origins() []OriginID {
	out := make([]OriginID, 0, len(vv))
	for origin := range vv {
		out = append(out, origin)
	}
	slices.Sort(out)
	return out
}
