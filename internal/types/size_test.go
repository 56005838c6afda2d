package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	s := EncryptSize(ctx, 4096)
	got, err := s.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, got)
	assert.Equal(t, "Size(4096)", s.String())
}

func TestSizeArithmetic(t *testing.T) {
	ctx := newTestContext(t)
	a := EncryptSize(ctx, 100)
	b := EncryptSize(ctx, 50)

	sum, err := a.WrappingAdd(b)
	require.NoError(t, err)
	got, _ := sum.Decrypt()
	assert.EqualValues(t, 150, got)

	diff, err := a.WrappingSub(b)
	require.NoError(t, err)
	got, _ = diff.Decrypt()
	assert.EqualValues(t, 50, got)
}

func TestSizeCheckedArithmetic(t *testing.T) {
	ctx := newTestContext(t)
	a := EncryptSize(ctx, 1)
	b := EncryptSize(ctx, 2)

	_, err := a.CheckedSub(b)
	require.Error(t, err)
}

func TestSizeComparisons(t *testing.T) {
	ctx := newTestContext(t)
	a := EncryptSize(ctx, 5)
	b := EncryptSize(ctx, 9)

	lt, err := a.Lt(b)
	require.NoError(t, err)
	got, _ := lt.Decrypt()
	assert.True(t, got)

	min, err := a.MinCipher(b)
	require.NoError(t, err)
	gotMin, _ := min.Decrypt()
	assert.EqualValues(t, 5, gotMin)

	max, err := a.MaxCipher(b)
	require.NoError(t, err)
	gotMax, _ := max.Decrypt()
	assert.EqualValues(t, 9, gotMax)
}

func TestSelectSize(t *testing.T) {
	ctx := newTestContext(t)
	a := EncryptSize(ctx, 11)
	b := EncryptSize(ctx, 22)
	tru := EncryptBool(ctx, true)

	selected, err := SelectSize(tru, a, b)
	require.NoError(t, err)
	got, _ := selected.Decrypt()
	assert.EqualValues(t, 11, got)
}

func TestSizeAlignUpPlain(t *testing.T) {
	ctx := newTestContext(t)
	s := EncryptSize(ctx, 17)
	aligned, err := s.AlignUpPlain(16)
	require.NoError(t, err)
	got, err := aligned.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 32, got)
}

func TestSizeAlignDownPlain(t *testing.T) {
	ctx := newTestContext(t)
	s := EncryptSize(ctx, 17)
	aligned, err := s.AlignDownPlain(16)
	require.NoError(t, err)
	got, err := aligned.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 16, got)
}

func TestSizeGobRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	s := EncryptSize(ctx, 4096)

	data, err := s.GobEncode()
	require.NoError(t, err)

	var decoded Size
	require.NoError(t, decoded.GobDecode(data))

	rebound := decoded.WithContext(ctx)
	got, err := rebound.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, got)
}
