// Package arena implements the oblivious bump allocator used for
// requests too large for any slab tier.
package arena

import (
	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/types"
)

// Arena is an encrypted bump pointer over [start, end). Invariant
// start <= cursor <= end holds over plaintext interpretations and is
// never checked obliviously — every comparison below runs on
// ciphertext.
type Arena struct {
	ctx    *cryptctx.Context
	start  types.Uint64
	end    types.Uint64
	cursor types.Uint64
}

// New creates an arena spanning [start, start+size).
func New(ctx *cryptctx.Context, start, size uint64) (*Arena, error) {
	startC := types.EncryptUint(ctx, start)
	endC := types.EncryptUint(ctx, start+size)
	return &Arena{ctx: ctx, start: startC, end: endC, cursor: startC}, nil
}

// Allocate bumps the cursor by size, failing obliviously (via the
// returned Option's IsSome flag) on overflow or exhaustion rather than
// branching on the encrypted comparison result.
func (a *Arena) Allocate(size types.Uint64) (types.Option[types.Uint64], error) {
	newCursor, err := a.cursor.WrappingAdd(size)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	fits, err := newCursor.Le(a.end)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	wrapped, err := newCursor.Lt(a.cursor)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	notWrapped := wrapped.Not()
	ok, err := fits.And(notWrapped)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}

	zero := types.EncryptUint[uint64](a.ctx, 0)
	value, err := types.SelectUint(ok, a.cursor, zero)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	a.cursor, err = types.SelectUint(ok, newCursor, a.cursor)
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	// The cursor is long-lived across calls; bootstrap it so repeated
	// bumps never run into the advisory noise budget.
	a.cursor, err = a.cursor.Bootstrap()
	if err != nil {
		return types.Option[types.Uint64]{}, err
	}
	return types.Option[types.Uint64]{Value: value, IsSome: ok}, nil
}

// Reset rewinds the cursor to start, discarding all prior allocations
// at once.
func (a *Arena) Reset() {
	a.cursor = a.start
}
