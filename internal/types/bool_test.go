package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
)

func TestEncryptBoolRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	b := EncryptBool(ctx, true)
	got, err := b.Decrypt()
	require.NoError(t, err)
	assert.True(t, got)
}

func TestBoolBooleanOps(t *testing.T) {
	ctx := newTestContext(t)
	tru := EncryptBool(ctx, true)
	fls := EncryptBool(ctx, false)

	and, err := tru.And(fls)
	require.NoError(t, err)
	v, _ := and.Decrypt()
	assert.False(t, v)

	or, err := tru.Or(fls)
	require.NoError(t, err)
	v, _ = or.Decrypt()
	assert.True(t, v)

	xor, err := tru.Xor(fls)
	require.NoError(t, err)
	v, _ = xor.Decrypt()
	assert.True(t, v)

	not := tru.Not()
	v, _ = not.Decrypt()
	assert.False(t, v)
}

func TestBoolNotPreservesNoise(t *testing.T) {
	ctx := newTestContext(t)
	tru := EncryptBool(ctx, true)
	not := tru.Not()
	assert.Equal(t, tru.NoiseState(), not.NoiseState())
}

func TestBoolRejectsMismatchedContext(t *testing.T) {
	a := EncryptBool(newTestContext(t), true)
	b := EncryptBool(newTestContext(t), false)

	_, err := a.And(b)
	require.ErrorIs(t, err, cryptctx.ErrContextMismatch)
}

func TestBoolGobRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	b := EncryptBool(ctx, true)

	data, err := b.GobEncode()
	require.NoError(t, err)

	var decoded Bool
	require.NoError(t, decoded.GobDecode(data))
	assert.Nil(t, decoded.Context())

	rebound := decoded.WithContext(ctx)
	got, err := rebound.Decrypt()
	require.NoError(t, err)
	assert.True(t, got)
}

func TestBoolString(t *testing.T) {
	ctx := newTestContext(t)
	assert.Equal(t, "Bool(true)", EncryptBool(ctx, true).String())
	assert.Equal(t, "Bool(false)", EncryptBool(ctx, false).String())
}
