package cryptmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/cryptmalloc/internal/config"
)

func TestNewContextLevels(t *testing.T) {
	for _, level := range []SecurityLevel{Performance, Balanced, Secure} {
		ctx, err := NewContext(level, true)
		require.NoError(t, err)
		assert.Equal(t, level, ctx.SecurityLevel())
	}
}

func TestDefaultContextIsBalanced(t *testing.T) {
	ctx, err := DefaultContext()
	require.NoError(t, err)
	assert.Equal(t, Balanced, ctx.SecurityLevel())
	assert.EqualValues(t, 96, ctx.NoiseCapacity())
}

func TestNewContextFromConfigParsesLevel(t *testing.T) {
	ctx, err := NewContextFromConfig(config.ContextConfig{SecurityLevel: "secure", EnableCompression: true})
	require.NoError(t, err)
	assert.Equal(t, Secure, ctx.SecurityLevel())

	_, err = NewContextFromConfig(config.ContextConfig{SecurityLevel: "quantum"})
	require.Error(t, err)
}

func TestEncryptHelpersRoundTrip(t *testing.T) {
	ctx, err := DefaultContext()
	require.NoError(t, err)

	u8, err := EncryptUint8(ctx, 200).Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 200, u8)

	u64, err := EncryptUint64(ctx, 1<<40).Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, uint64(1)<<40, u64)

	b, err := EncryptBool(ctx, true).Decrypt()
	require.NoError(t, err)
	assert.True(t, b)
}

// A size-32 request lands in the second slab tier: its decrypted offset
// falls inside [base+16*1024, base+16*1024+32*512).
func TestRouterAllocateSize32LandsInSecondTier(t *testing.T) {
	ctx, err := DefaultContext()
	require.NoError(t, err)

	const base = uint64(0x10000)
	r, err := NewRouter(ctx, base, 4096)
	require.NoError(t, err)

	result, err := r.Allocate(EncryptUint32(ctx, 32))
	require.NoError(t, err)

	isSome, err := result.IsSome.Decrypt()
	require.NoError(t, err)
	require.True(t, isSome)

	offset, err := result.Value.Decrypt()
	require.NoError(t, err)
	tier1Start := base + 16*1024
	tier1End := tier1Start + 32*512
	assert.GreaterOrEqual(t, offset, tier1Start)
	assert.Less(t, offset, tier1End)
}

func TestNewPoolDefaultsAllocateAndRelease(t *testing.T) {
	ctx, err := DefaultContext()
	require.NoError(t, err)

	p, err := NewPool(ctx)
	require.NoError(t, err)

	h, err := p.AllocateBlock(128, 16)
	require.NoError(t, err)
	require.NoError(t, p.ReleaseBlock(h))
	require.NoError(t, p.VerifyIntegrity())
}

func TestNewPoolFromConfigOverrides(t *testing.T) {
	ctx, err := DefaultContext()
	require.NoError(t, err)

	p, err := NewPoolFromConfig(ctx, config.PoolConfig{PoolBytes: 8192, BaseAddress: 0x2000, MinAlignment: 32})
	require.NoError(t, err)

	ptr, err := p.BasePointer()
	require.NoError(t, err)
	addr, err := ptr.Address.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, addr)
}

func TestInstrumentWithEmptyInstrumentation(t *testing.T) {
	ctx, err := DefaultContext()
	require.NoError(t, err)

	p, err := NewPool(ctx)
	require.NoError(t, err)
	r, err := NewRouter(ctx, 0x10000, 4096)
	require.NoError(t, err)

	inst := Instrumentation{}
	Instrument(p, r, inst)

	h, err := p.AllocateBlock(64, 16)
	require.NoError(t, err)
	require.NoError(t, p.ReleaseBlock(h))
}
