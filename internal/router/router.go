// Package router implements the top-level allocator: fixed tier
// layout, size-based mask fan-out across every slab class and the
// arena, and oblivious result combining.
package router

import (
	"context"

	"github.com/kenneth/cryptmalloc/internal/arena"
	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/debug"
	"github.com/kenneth/cryptmalloc/internal/metrics"
	"github.com/kenneth/cryptmalloc/internal/slab"
	"github.com/kenneth/cryptmalloc/internal/telemetry"
	"github.com/kenneth/cryptmalloc/internal/types"
	"go.opentelemetry.io/otel/trace"
)

// tierSizes and tierCounts fix the slab layout: {16:1024, 32:512,
// 64:256, 128:128, 256:64}, arena for anything larger.
var tierSizes = [5]uint32{16, 32, 64, 128, 256}
var tierCounts = [5]uint32{1024, 512, 256, 128, 64}

// Router is the top allocator: it holds every slab tier and the arena
// behind an exclusive borrow. It is not internally synchronized —
// callers must serialize or wrap externally, matching the design's
// concurrency model for the slab/arena/router layer.
type Router struct {
	ctx     *cryptctx.Context
	tiers   [5]*slab.Class
	ar      *arena.Arena
	encTier [5]types.Uint32

	metrics *metrics.Metrics
	tracer  *telemetry.Provider
}

// Instrument attaches optional metrics and tracing collaborators and
// registers the metrics bitmap-flip counter with every slab tier. Pass
// nil for either argument to leave it unset.
func (r *Router) Instrument(m *metrics.Metrics, tracer *telemetry.Provider) {
	r.metrics = m
	r.tracer = tracer
	for _, tier := range r.tiers {
		if m != nil {
			tier.OnFlip(m.RecordBitmapFlip)
		} else {
			tier.OnFlip(nil)
		}
	}
}

// New lays out the five slab tiers starting at base and an arena of
// arenaBytes starting immediately after the slab region.
func New(ctx *cryptctx.Context, base uint64, arenaBytes uint64) (*Router, error) {
	r := &Router{ctx: ctx}
	offset := base
	for i := range tierSizes {
		r.tiers[i] = slab.NewClass(ctx, tierSizes[i], tierCounts[i], offset)
		offset += uint64(tierSizes[i]) * uint64(tierCounts[i])
		r.encTier[i] = types.EncryptUint(ctx, tierSizes[i])
	}
	ar, err := arena.New(ctx, offset, arenaBytes)
	if err != nil {
		return nil, err
	}
	r.ar = ar

	debug.Tracef("router: laid out %d slab tiers %v (counts %v) starting at 0x%x, arena %d bytes at 0x%x",
		len(tierSizes), tierSizes, tierCounts, base, arenaBytes, offset)

	return r, nil
}

// AllocateContext is Allocate instrumented with the optional tracer and
// noise-budget metrics attached via Instrument.
func (r *Router) AllocateContext(ctx context.Context, size types.Uint32) (result types.Option[types.Uint64], err error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.StartNoiseMerge(ctx)
		defer func() { telemetry.EndWithResult(span, err) }()
	}

	result, err = r.Allocate(size)

	if err == nil && r.metrics != nil {
		noise := result.Value.NoiseState()
		r.metrics.RecordNoiseMerge(uint32(noise.Consumed()), uint32(noise.Capacity()))
	}

	return result, err
}

// Allocate routes an encrypted size request across every tier and the
// arena in constant time: at most one fan-out branch's IsSome is true
// for any given request, so the fold below is equivalent to an
// oblivious multiplexer.
func (r *Router) Allocate(size types.Uint32) (types.Option[types.Uint64], error) {
	ctx := r.ctx
	zero := types.EncryptUint[uint32](ctx, 0)
	sixteen := r.encTier[0]

	isZero, err := size.Eq(zero)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	lt16, err := size.Lt(sixteen)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	force16, err := isZero.Or(lt16)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	normalized, err := types.SelectUint(force16, sixteen, size)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	normalized, err = normalized.Bootstrap()
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}

	var fits [5]types.Bool
	for i := range tierSizes {
		f, err := normalized.Le(r.encTier[i])
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		fits[i] = f
	}

	var masks [5]types.Bool
	masks[0] = fits[0]
	anyLower := fits[0]
	for i := 1; i < 5; i++ {
		notLower := anyLower.Not()
		m, err := fits[i].And(notLower)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		masks[i] = m
		anyLower, err = anyLower.Or(fits[i])
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		if anyLower, err = anyLower.Bootstrap(); err != nil {
			return types.Option[types.Uint64]{}, err
		}
	}

	notAnyLower := anyLower.Not()
	maxTier := r.encTier[4]
	gt256, err := normalized.Gt(maxTier)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	arenaMask, err := gt256.And(notAnyLower)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}

	arenaSize, err := types.SelectUint(arenaMask, normalized, zero)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	arenaSize64, err := types.Widen[uint32, uint64](arenaSize)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}

	combined := types.Option[types.Uint64]{
		Value:  types.EncryptUint[uint64](ctx, 0),
		IsSome: types.EncryptBool(ctx, false),
	}
	for i, tier := range r.tiers {
		result, err := tier.AllocateMasked(masks[i])
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		combined, err = types.Combine(combined, result, types.SelectUintOption[uint64])
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		if combined.Value, err = combined.Value.Bootstrap(); err != nil {
			return types.Option[types.Uint64]{}, err
		}
		if combined.IsSome, err = combined.IsSome.Bootstrap(); err != nil {
			return types.Option[types.Uint64]{}, err
		}
	}

	arenaResult, err := r.ar.Allocate(arenaSize64)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	// A zero-size arena request still reports success, so the arena's
	// flag is gated by arenaMask before it joins the fold.
	if arenaResult.IsSome, err = arenaResult.IsSome.And(arenaMask); err != nil {
		return types.Option[types.Uint64]{}, err
	}
	combined, err = types.Combine(combined, arenaResult, types.SelectUintOption[uint64])
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}

	return combined, nil
}

// Free dispatches the pointer to every slab's free scan. Arena chunks
// are never individually freeable.
func (r *Router) Free(p types.Uint64) error {
	debug.Tracef("router: dispatching oblivious free scan across %d slab tiers", len(r.tiers))
	for _, tier := range r.tiers {
		if err := tier.Free(p); err != nil {
			return err
		}
	}
	return nil
}
