package predict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type score struct {
	Score int
	Log   []int
}

func (s *score) Clone() *score {
	return &score{Score: s.Score, Log: append([]int(nil), s.Log...)}
}

func increment(s *score, by int) *score {
	s.Score += by
	s.Log = append(s.Log, by)
	return s
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestPredictIncrementsScore(t *testing.T) {
	p := New[*score, int](&score{})
	var got *score
	var err error
	for i := 0; i < 3; i++ {
		got, err = p.Predict(1, increment)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, got.Score)
	assert.Equal(t, 3, p.Predicted().Score)

	pending := p.Pending()
	require.Len(t, pending, 3)
	for i, in := range pending {
		assert.Equal(t, Sequence(i), in.Sequence)
	}
}

func TestPredictSequencesHaveNoGaps(t *testing.T) {
	p := New[*score, int](&score{}, WithMaxPending(1000))
	for i := 0; i < 500; i++ {
		assert.Equal(t, Sequence(i), p.NextSequence())
		_, err := p.Predict(1, increment)
		require.NoError(t, err)
		if i%7 == 6 {
			_, err = p.Reconcile(Confirmed[*score]{Sequence: Sequence(i - 3), State: &score{Score: i - 2}}, increment)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, Sequence(500), p.NextSequence())
}

func TestPredictReturnsCopy(t *testing.T) {
	p := New[*score, int](&score{})
	first, err := p.Predict(1, increment)
	require.NoError(t, err)
	_, err = p.Predict(1, increment)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Score)
	first.Score = 99
	first.Log[0] = 99
	assert.Equal(t, 2, p.Predicted().Score)
	assert.Equal(t, []int{1, 1}, p.Predicted().Log)
}

func TestPredictNilTransition(t *testing.T) {
	p := New[*score, int](&score{})
	_, err := p.Predict(1, nil)
	assert.ErrorIs(t, err, ErrNilTransition)
	assert.Equal(t, Sequence(0), p.NextSequence())
	assert.Empty(t, p.Pending())
}

func TestReconcileReplaysUnacknowledged(t *testing.T) {
	p := New[*score, int](&score{})
	for i := 0; i < 3; i++ {
		_, err := p.Predict(1, increment)
		require.NoError(t, err)
	}

	got, err := p.Reconcile(Confirmed[*score]{Sequence: 1, State: &score{Score: 1}}, increment)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Score)
	assert.Equal(t, 1, p.ConfirmedState().Score)
	assert.Equal(t, Sequence(1), p.LastConfirmed())

	pending := p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, Sequence(2), pending[0].Sequence)
}

func TestReconcileDerivesFromConfirmedOnly(t *testing.T) {
	p := New[*score, int](&score{})
	_, err := p.Predict(5, increment)
	require.NoError(t, err)
	_, err = p.Predict(7, increment)
	require.NoError(t, err)

	// the authority disagreed about input 0
	got, err := p.Reconcile(Confirmed[*score]{Sequence: 0, State: &score{Score: 100, Log: []int{100}}}, increment)
	require.NoError(t, err)
	assert.Equal(t, 107, got.Score)
	assert.Equal(t, []int{100, 7}, got.Log)
}

func TestReconcileRewritesReplayedSnapshots(t *testing.T) {
	p := New[*score, int](&score{})
	for i := 0; i < 3; i++ {
		_, err := p.Predict(1, increment)
		require.NoError(t, err)
	}

	_, err := p.Reconcile(Confirmed[*score]{Sequence: 0, State: &score{Score: 10}}, increment)
	require.NoError(t, err)

	got, ok := p.SnapshotAt(0)
	require.True(t, ok)
	assert.Equal(t, 1, got.Score)
	got, ok = p.SnapshotAt(1)
	require.True(t, ok)
	assert.Equal(t, 11, got.Score)
	got, ok = p.SnapshotAt(2)
	require.True(t, ok)
	assert.Equal(t, 12, got.Score)

	snaps := p.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, p.Predicted().Score, snaps[2].State.Score)
}

func TestReconcileConfirmedDoesNotAlias(t *testing.T) {
	p := New[*score, int](&score{})
	_, err := p.Predict(1, increment)
	require.NoError(t, err)

	incoming := &score{Score: 10, Log: []int{10}}
	_, err = p.Reconcile(Confirmed[*score]{Sequence: NoSequence, State: incoming}, increment)
	require.NoError(t, err)
	incoming.Score = -1
	incoming.Log[0] = -1

	assert.Equal(t, &score{Score: 10, Log: []int{10}}, p.ConfirmedState())
	assert.Equal(t, &score{Score: 11, Log: []int{10, 1}}, p.Predicted())
}

func TestReconcileRejectsStaleSnapshot(t *testing.T) {
	p := New[*score, int](&score{})
	for i := 0; i < 4; i++ {
		_, err := p.Predict(1, increment)
		require.NoError(t, err)
	}
	_, err := p.Reconcile(Confirmed[*score]{Sequence: 2, State: &score{Score: 3}}, increment)
	require.NoError(t, err)

	_, err = p.Reconcile(Confirmed[*score]{Sequence: 1, State: &score{Score: 0}}, increment)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Equal(t, 4, p.Predicted().Score)
	assert.Equal(t, 3, p.ConfirmedState().Score)
	assert.Equal(t, Sequence(2), p.LastConfirmed())
}

func TestReconcileAcceptsRepeatedSequence(t *testing.T) {
	p := New[*score, int](&score{})
	_, err := p.Predict(1, increment)
	require.NoError(t, err)
	_, err = p.Reconcile(Confirmed[*score]{Sequence: 0, State: &score{Score: 1}}, increment)
	require.NoError(t, err)

	got, err := p.Reconcile(Confirmed[*score]{Sequence: 0, State: &score{Score: 5}}, increment)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Score)
}

func TestReconcileRejectsUnknownSequence(t *testing.T) {
	p := New[*score, int](&score{})
	_, err := p.Predict(1, increment)
	require.NoError(t, err)

	_, err = p.Reconcile(Confirmed[*score]{Sequence: 4, State: &score{Score: 5}}, increment)
	assert.ErrorIs(t, err, ErrUnknownSequence)
	assert.Equal(t, NoSequence, p.LastConfirmed())
}

func TestSnapshotRingEvictsOldest(t *testing.T) {
	p := New[*score, int](&score{}, WithCapacity(4))
	for i := 0; i < 10; i++ {
		_, err := p.Predict(1, increment)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(p.Snapshots()), 4)
	}

	snaps := p.Snapshots()
	require.Len(t, snaps, 4)
	for i, s := range snaps {
		assert.Equal(t, Sequence(6+i), s.Sequence)
		assert.Equal(t, 7+i, s.State.Score)
	}

	_, ok := p.SnapshotAt(5)
	assert.False(t, ok)
	s, ok := p.SnapshotAt(9)
	require.True(t, ok)
	assert.Equal(t, 10, s.Score)
}

func TestPredictDivergesAtPendingLimit(t *testing.T) {
	p := New[*score, int](&score{}, WithMaxPending(3))
	for i := 0; i < 3; i++ {
		_, err := p.Predict(1, increment)
		require.NoError(t, err)
	}
	_, err := p.Predict(1, increment)
	assert.ErrorIs(t, err, ErrDiverged)
	assert.Equal(t, 3, p.Predicted().Score)
	assert.Equal(t, Sequence(3), p.NextSequence())

	got := p.Resync(Confirmed[*score]{Sequence: 0, State: &score{Score: 1}})
	assert.Equal(t, 1, got.Score)
	assert.Empty(t, p.Pending())
	assert.Empty(t, p.Snapshots())

	_, err = p.Predict(1, increment)
	require.NoError(t, err)
	assert.Equal(t, Sequence(4), p.NextSequence())
}

func TestResyncSkipsPastAuthoritySequence(t *testing.T) {
	p := New[*score, int](&score{})
	p.Resync(Confirmed[*score]{Sequence: 9, State: &score{Score: 9}})
	assert.Equal(t, Sequence(10), p.NextSequence())
	assert.Equal(t, Sequence(9), p.LastConfirmed())
}

func TestPredictStampsInputs(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	p := New[*score, int](&score{}, WithClock(clock))
	_, err := p.Predict(1, increment)
	require.NoError(t, err)
	clock.advance(time.Second)
	_, err = p.Predict(1, increment)
	require.NoError(t, err)

	pending := p.Pending()
	assert.Equal(t, time.Unix(100, 0), pending[0].Timestamp)
	assert.Equal(t, time.Unix(101, 0), pending[1].Timestamp)
}
