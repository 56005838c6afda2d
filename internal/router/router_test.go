package router

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/metrics"
	"github.com/kenneth/cryptmalloc/internal/telemetry"
	"github.com/kenneth/cryptmalloc/internal/types"
)

func newTestContext(t *testing.T) *cryptctx.Context {
	t.Helper()
	ctx, err := cryptctx.BalancedContext()
	require.NoError(t, err)
	return ctx
}

func TestNewLaysOutTiersAndArena(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x1000)
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestAllocateRoutesToSmallestFittingTier(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x1000)
	require.NoError(t, err)

	result, err := r.Allocate(types.EncryptUint[uint32](ctx, 10))
	require.NoError(t, err)

	isSome, err := result.IsSome.Decrypt()
	require.NoError(t, err)
	assert.True(t, isSome)

	offset, err := result.Value.Decrypt()
	require.NoError(t, err)
	assert.EqualValues(t, 0x10000, offset)
}

func TestAllocateZeroSizeForcesSmallestTier(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x1000)
	require.NoError(t, err)

	result, err := r.Allocate(types.EncryptUint[uint32](ctx, 0))
	require.NoError(t, err)

	isSome, err := result.IsSome.Decrypt()
	require.NoError(t, err)
	assert.True(t, isSome)
}

func TestAllocateOversizeRoutesToArena(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x10000)
	require.NoError(t, err)

	result, err := r.Allocate(types.EncryptUint[uint32](ctx, 1000))
	require.NoError(t, err)

	isSome, err := result.IsSome.Decrypt()
	require.NoError(t, err)
	assert.True(t, isSome)
}

func TestAllocateFillsSmallestTierToCapacity(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x10000)
	require.NoError(t, err)

	for i := 0; i < 1024; i++ {
		result, err := r.Allocate(types.EncryptUint[uint32](ctx, 10))
		require.NoError(t, err)
		isSome, err := result.IsSome.Decrypt()
		require.NoError(t, err)
		require.True(t, isSome)
	}
}

func TestFreeDispatchesAcrossAllTiers(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x1000)
	require.NoError(t, err)

	result, err := r.Allocate(types.EncryptUint[uint32](ctx, 10))
	require.NoError(t, err)
	offset, err := result.Value.Decrypt()
	require.NoError(t, err)

	require.NoError(t, r.Free(types.EncryptUint[uint64](ctx, offset)))

	second, err := r.Allocate(types.EncryptUint[uint32](ctx, 10))
	require.NoError(t, err)
	isSome, err := second.IsSome.Decrypt()
	require.NoError(t, err)
	assert.True(t, isSome)
}

func TestInstrumentWiresBitmapFlipCounter(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x1000)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	r.Instrument(m, nil)

	_, err = r.Allocate(types.EncryptUint[uint32](ctx, 10))
	require.NoError(t, err)

	count := testutilCounterValue(t, reg, "cryptmalloc_bitmap_flips_total")
	assert.Greater(t, count, 0.0)
}

func TestAllocateContextRecordsNoiseMerge(t *testing.T) {
	ctx := newTestContext(t)
	r, err := New(ctx, 0x10000, 0x1000)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	tracer := telemetry.NewProvider()
	r.Instrument(m, tracer)

	result, err := r.AllocateContext(context.Background(), types.EncryptUint[uint32](ctx, 10))
	require.NoError(t, err)
	isSome, err := result.IsSome.Decrypt()
	require.NoError(t, err)
	assert.True(t, isSome)

	count := testutilCounterValue(t, reg, "cryptmalloc_noise_merges_total")
	assert.Equal(t, 1.0, count)
}

func testutilCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range f.GetMetric() {
			if metric.GetCounter() != nil {
				total += metric.GetCounter().GetValue()
			}
		}
		return total
	}
	return 0
}
