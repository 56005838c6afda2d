package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/types"
)

func newTestContext(t *testing.T) *cryptctx.Context {
	t.Helper()
	ctx, err := cryptctx.BalancedContext()
	require.NoError(t, err)
	return ctx
}

func TestWithLayoutValidatesIntegrity(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	ok, err := b.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorruptAddressBreaksIntegrity(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	b.CorruptAddress(0x2000)
	ok, err := b.ValidateIntegrity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptSizeBreaksIntegrity(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	b.CorruptSize(128)
	ok, err := b.ValidateIntegrity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptChecksumBreaksIntegrity(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	b.CorruptChecksum(0xdeadbeef)
	ok, err := b.ValidateIntegrity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSplitBlock(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 128, 1)
	require.NoError(t, err)

	trailing, err := b.SplitBlock(64, 2, 0x1040)
	require.NoError(t, err)

	leadSize, err := b.Size.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 64, leadSize)

	trailSize, err := trailing.Size.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 64, trailSize)

	trailAddr, err := trailing.Address.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 0x1040, trailAddr)

	require.NotNil(t, b.NextHandle)
	assert.EqualValues(t, 2, *b.NextHandle)
	require.NotNil(t, trailing.PrevHandle)
	assert.EqualValues(t, 1, *trailing.PrevHandle)

	ok, err := b.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = trailing.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSplitBlockRejectsInvalidSizes(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 128, 1)
	require.NoError(t, err)

	_, err = b.SplitBlock(0, 2, 0x1040)
	require.Error(t, err)

	_, err = b.SplitBlock(128, 2, 0x1040)
	require.Error(t, err)

	_, err = b.SplitBlock(200, 2, 0x1040)
	require.Error(t, err)
}

func TestAbsorbRight(t *testing.T) {
	ctx := newTestContext(t)
	left, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)
	right, err := WithLayout(ctx, 0x1040, 64, 2)
	require.NoError(t, err)

	require.NoError(t, left.AbsorbRight(right))
	size, err := left.Size.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 128, size)

	ok, err := left.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAbsorbRightRejectsMismatchedContext(t *testing.T) {
	left, err := WithLayout(newTestContext(t), 0x1000, 64, 1)
	require.NoError(t, err)
	right, err := WithLayout(newTestContext(t), 0x1040, 64, 2)
	require.NoError(t, err)

	err = left.AbsorbRight(right)
	require.ErrorIs(t, err, cryptctx.ErrContextMismatch)
}

func TestMergeBlocksRequiresFreeAndAdjacent(t *testing.T) {
	ctx := newTestContext(t)
	left, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)
	right, err := WithLayout(ctx, 0x1040, 64, 2)
	require.NoError(t, err)

	merged, err := MergeBlocks(left, right)
	require.NoError(t, err)
	size, err := merged.Size.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 128, size)
	addr, err := merged.Address.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, addr)
}

func TestMergeBlocksRejectsNonAdjacent(t *testing.T) {
	ctx := newTestContext(t)
	left, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)
	right, err := WithLayout(ctx, 0x2000, 64, 2)
	require.NoError(t, err)

	_, err = MergeBlocks(left, right)
	require.Error(t, err)
}

func TestMergeBlocksRejectsAllocated(t *testing.T) {
	ctx := newTestContext(t)
	left, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)
	right, err := WithLayout(ctx, 0x1040, 64, 2)
	require.NoError(t, err)

	left.Allocated = types.EncryptBool(ctx, true)
	require.NoError(t, left.RefreshChecksum())

	_, err = MergeBlocks(left, right)
	require.Error(t, err)
}

func TestSetPrevSetNext(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	handle := uint32(9)
	addr := uint64(0x2000)
	require.NoError(t, b.SetPrev(&handle, &addr))
	require.NoError(t, b.SetNext(&handle, &addr))

	ok, err := b.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.SetPrev(nil, nil))
	assert.Nil(t, b.PrevHandleCipher)
	assert.Nil(t, b.PrevPointer)
}

func TestLinkCloneSnapshotsNeighbors(t *testing.T) {
	ctx := newTestContext(t)
	prev, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)
	next, err := WithLayout(ctx, 0x1100, 64, 2)
	require.NoError(t, err)
	self, err := WithLayout(ctx, 0x1040, 64, 3)
	require.NoError(t, err)

	require.NoError(t, self.LinkClone(prev, next))

	require.NotNil(t, self.PrevClone())
	require.NotNil(t, self.NextClone())
	assert.EqualValues(t, 1, self.PrevClone().Handle)
	assert.EqualValues(t, 2, self.NextClone().Handle)

	require.NoError(t, self.LinkClone(nil, nil))
	assert.Nil(t, self.PrevClone())
	assert.Nil(t, self.NextClone())
}

func TestZeroizeSensitiveClearsState(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	handle := uint32(9)
	addr := uint64(0x2000)
	require.NoError(t, b.SetPrev(&handle, &addr))

	b.ZeroizeSensitive()

	addrVal, err := b.Address.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 0, addrVal)
	assert.Nil(t, b.PrevPointer)
	assert.Nil(t, b.PrevHandleCipher)
	assert.Nil(t, b.PrevClone())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	data, err := b.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(ctx, data)
	require.NoError(t, err)

	addr, err := restored.Address.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, addr)

	// Handle fields are not part of the envelope; the stored checksum
	// only verifies once the reader re-establishes them.
	restored.SelfHandle = 1
	ok, err := restored.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRebindContext(t *testing.T) {
	ctx := newTestContext(t)
	b, err := WithLayout(ctx, 0x1000, 64, 1)
	require.NoError(t, err)

	other, err := cryptctx.BalancedContext()
	require.NoError(t, err)

	b.RebindContext(other)
	assert.True(t, b.Context().PtrEq(other))
}
