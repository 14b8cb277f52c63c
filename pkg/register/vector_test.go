package register

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateVectorObserveNeverDecreases(t *testing.T) {
	vv := StateVector{}
	vv.Observe("a", 5)
	vv.Observe("a", 3)
	assert.Equal(t, uint64(5), vv.Get("a"))
	assert.Equal(t, uint64(0), vv.Get("b"))
}

func TestStateVectorCovers(t *testing.T) {
	vv := StateVector{"a": 3, "b": 1}
	assert.True(t, vv.Covers(StateVector{"a": 3}))
	assert.True(t, vv.Covers(nil))
	assert.False(t, vv.Covers(StateVector{"a": 4}))
	assert.False(t, vv.Covers(StateVector{"c": 1}))
}

func TestStateVectorMerge(t *testing.T) {
	vv := StateVector{"a": 3, "b": 1}
	vv.Merge(StateVector{"a": 1, "b": 4, "c": 2})
	assert.Equal(t, StateVector{"a": 3, "b": 4, "c": 2}, vv)
	assert.Equal(t, []OriginID{"a", "b", "c"}, vv.Origins())
}

func TestStateVectorClone(t *testing.T) {
	var nilVV StateVector
	assert.NotNil(t, nilVV.Clone())

	vv := StateVector{"a": 1}
	c := vv.Clone()
	c["a"] = 9
	assert.Equal(t, uint64(1), vv.Get("a"))
}
