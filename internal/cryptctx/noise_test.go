package cryptctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoiseStateConsume(t *testing.T) {
	n := NewNoiseState(96)
	n, err := n.Consume(40)
	require.NoError(t, err)
	assert.EqualValues(t, 40, n.Consumed())
	assert.EqualValues(t, 56, n.Remaining())
}

func TestNoiseStateConsumeExceedsCapacity(t *testing.T) {
	n := NewNoiseState(48)
	_, err := n.Consume(49)
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNoiseBudgetExceeded, cerr.Kind)
}

func TestNoiseStateMergeTakesMaxPlusCost(t *testing.T) {
	lhs := NewNoiseStateFull(20, 96)
	rhs := NewNoiseStateFull(50, 96)

	merged, err := Merge(lhs, rhs, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 55, merged.Consumed())
	assert.EqualValues(t, 96, merged.Capacity())
}

func TestNoiseStateMergeRejectsMismatchedCapacity(t *testing.T) {
	lhs := NewNoiseStateFull(0, 96)
	rhs := NewNoiseStateFull(0, 128)

	_, err := Merge(lhs, rhs, 1)
	require.ErrorIs(t, err, ErrContextMismatch)
}

func TestNoiseStateMergeExceedsCapacity(t *testing.T) {
	lhs := NewNoiseStateFull(90, 96)
	rhs := NewNoiseStateFull(10, 96)

	_, err := Merge(lhs, rhs, 5)
	require.Error(t, err)
}

func TestNoiseStateGobRoundTrip(t *testing.T) {
	n := NewNoiseStateFull(12, 96)
	data, err := n.GobEncode()
	require.NoError(t, err)

	var decoded NoiseState
	require.NoError(t, decoded.GobDecode(data))
	assert.Equal(t, n, decoded)
}

func TestNoiseStateGobDecodeRejectsBadLength(t *testing.T) {
	var n NoiseState
	err := n.GobDecode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestNoiseStateRemainingSaturatesAtZero(t *testing.T) {
	n := NewNoiseStateFull(100, 96)
	assert.EqualValues(t, 0, n.Remaining())
}
