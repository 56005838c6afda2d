// Package slab implements one oblivious slab class: a tier of
// fixed-size blocks backed by an encrypted occupancy bitmap, with
// masked allocate and free scans that touch every slot on every call
// regardless of outcome.
package slab

import (
	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/types"
)

// Class is one tier of B blocks of plaintext size S. Index and offset
// tables are pre-encrypted at construction; the bitmap is the only
// mutable state, and it is never inspected in the clear.
type Class struct {
	ctx        *cryptctx.Context
	blockSize  uint32
	numBlocks  uint32
	bitmap     []types.Bool
	baseOffset types.Uint64
	encIndices []types.Uint32
	encOffsets []types.Uint64
	encFalse   types.Bool
	encTrue    types.Bool
	encZeroU32 types.Uint32
	encZeroU64 types.Uint64

	// onFlip, if set, is invoked once per bitmap slot writeback — both
	// AllocateMasked's mark pass and Free's clear pass touch every slot
	// unconditionally, so a caller counting flips observes numBlocks
	// calls per scan regardless of outcome.
	onFlip func()
}

// NewClass builds a slab class of numBlocks blocks of blockSize bytes
// starting at baseOffset, with every slot initially free.
func NewClass(ctx *cryptctx.Context, blockSize, numBlocks uint32, baseOffset uint64) *Class {
	c := &Class{
		ctx:        ctx,
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		baseOffset: types.EncryptUint(ctx, baseOffset),
		encFalse:   types.EncryptBool(ctx, false),
		encTrue:    types.EncryptBool(ctx, true),
		encZeroU32: types.EncryptUint[uint32](ctx, 0),
		encZeroU64: types.EncryptUint[uint64](ctx, 0),
	}
	c.bitmap = make([]types.Bool, numBlocks)
	c.encIndices = make([]types.Uint32, numBlocks)
	c.encOffsets = make([]types.Uint64, numBlocks)
	for i := uint32(0); i < numBlocks; i++ {
		c.bitmap[i] = types.EncryptBool(ctx, false)
		c.encIndices[i] = types.EncryptUint(ctx, i)
		c.encOffsets[i] = types.EncryptUint(ctx, uint64(i)*uint64(blockSize))
	}
	return c
}

// OnFlip registers a callback invoked once per bitmap slot writeback
// during AllocateMasked and Free. Pass nil to disable. Intended for
// wiring a metrics counter; the callback must not block.
func (c *Class) OnFlip(fn func()) {
	c.onFlip = fn
}

// BlockSize returns this tier's plaintext block size.
func (c *Class) BlockSize() uint32 { return c.blockSize }

// NumBlocks returns this tier's plaintext block count.
func (c *Class) NumBlocks() uint32 { return c.numBlocks }

// AllocateMasked runs the constant-time, always-B-iteration allocate
// scan against request mask m (true iff this tier should satisfy the
// request). The writeback pass touches every slot unconditionally;
// there is no data-dependent early exit.
func (c *Class) AllocateMasked(m types.Bool) (types.Option[types.Uint64], error) {
	selected := c.encFalse
	selectedIndex := c.encZeroU32
	selectedOffset := c.encZeroU64

	for i := uint32(0); i < c.numBlocks; i++ {
		isFree := c.bitmap[i].Not()
		notSelected := selected.Not()
		canPick, err := isFree.And(notSelected)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		shouldPick, err := canPick.And(m)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		candidateOffset, err := c.baseOffset.WrappingAdd(c.encOffsets[i])
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		selectedOffset, err = types.SelectUint(shouldPick, candidateOffset, selectedOffset)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		selectedIndex, err = types.SelectUint(shouldPick, c.encIndices[i], selectedIndex)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		selected, err = selected.Or(shouldPick)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}

		// Bootstrap the scan accumulators so the chain's depth is
		// bounded by the primitive, not by the advisory noise budget.
		if selected, err = selected.Bootstrap(); err != nil {
			return types.Option[types.Uint64]{}, err
		}
		if selectedIndex, err = selectedIndex.Bootstrap(); err != nil {
			return types.Option[types.Uint64]{}, err
		}
		if selectedOffset, err = selectedOffset.Bootstrap(); err != nil {
			return types.Option[types.Uint64]{}, err
		}
	}

	accept, err := selected.And(m)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}

	for j := uint32(0); j < c.numBlocks; j++ {
		isTarget, err := c.encIndices[j].Eq(selectedIndex)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		mark, err := isTarget.And(accept)
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		c.bitmap[j], err = types.SelectBool(mark, c.encTrue, c.bitmap[j])
		if err != nil {
			return types.Option[types.Uint64]{}, err
		}
		if c.bitmap[j], err = c.bitmap[j].Bootstrap(); err != nil {
			return types.Option[types.Uint64]{}, err
		}
		if c.onFlip != nil {
			c.onFlip()
		}
	}

	return types.Option[types.Uint64]{Value: selectedOffset, IsSome: accept}, nil
}

// Free scans for a slot whose offset matches p and clears its bitmap
// cell. A pointer not belonging to this tier leaves the bitmap
// unchanged — free is idempotent across tiers.
func (c *Class) Free(p types.Uint64) error {
	for i := uint32(0); i < c.numBlocks; i++ {
		candidate, err := c.baseOffset.WrappingAdd(c.encOffsets[i])
		if err != nil {
			return err
		}
		match, err := candidate.Eq(p)
		if err != nil {
			return err
		}
		c.bitmap[i], err = types.SelectBool(match, c.encFalse, c.bitmap[i])
		if err != nil {
			return err
		}
		if c.bitmap[i], err = c.bitmap[i].Bootstrap(); err != nil {
			return err
		}
		if c.onFlip != nil {
			c.onFlip()
		}
	}
	return nil
}
