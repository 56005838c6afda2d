package types

import (
	"fmt"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
)

// Pointer is phantom-typed by its pointee T: (address, optional span,
// valid flag), all sharing a context. T carries no runtime
// representation — it exists only so callers cannot mix pointers
// into unrelated block kinds at compile time.
type Pointer[T any] struct {
	Address Address
	Span    Option[Size]
	Valid   Bool
}

// NewPointer validates that address, an optional span, and valid all
// share a context before constructing the pointer.
func NewPointer[T any](address Address, span Option[Size], valid Bool) (Pointer[T], error) {
	ctx := address.Context()
	if !ctx.PtrEq(valid.Context()) {
		return Pointer[T]{}, cryptctx.ErrContextMismatch
	}
	if span.Value.Context() != nil && !ctx.PtrEq(span.Value.Context()) {
		return Pointer[T]{}, cryptctx.ErrContextMismatch
	}
	return Pointer[T]{Address: address, Span: span, Valid: valid}, nil
}

// AlignTo rounds the pointer's address up to alignment. Like
// Size.AlignUpPlain, this is a control-plane concern and is
// explicitly non-oblivious.
func (p Pointer[T]) AlignTo(alignment uint64) (Pointer[T], error) {
	v, err := p.Address.Decrypt()
	if err != nil {
		return Pointer[T]{}, err
	}
	mask := alignment - 1
	aligned := (v + mask) &^ mask
	p.Address = EncryptAddress(p.Address.Context(), aligned)
	return p, nil
}

// Guard ANDs predicate into the valid flag, narrowing validity
// without ever decrypting predicate.
func (p Pointer[T]) Guard(predicate Bool) (Pointer[T], error) {
	valid, err := p.Valid.And(predicate)
	if err != nil {
		return Pointer[T]{}, err
	}
	p.Valid = valid
	return p, nil
}

// SelectPointer evaluates cond ? whenTrue : whenFalse obliviously
// across address, span, and the valid flag:
// valid = (cond AND whenTrue.valid) OR (NOT cond AND whenFalse.valid).
func SelectPointer[T any](cond Bool, whenTrue, whenFalse Pointer[T]) (Pointer[T], error) {
	addr, err := SelectAddress(cond, whenTrue.Address, whenFalse.Address)
	if err != nil {
		return Pointer[T]{}, err
	}
	spanValue, err := SelectSize(cond, whenTrue.Span.Value, whenFalse.Span.Value)
	if err != nil {
		return Pointer[T]{}, err
	}
	spanPresent, err := SelectBool(cond, whenTrue.Span.IsSome, whenFalse.Span.IsSome)
	if err != nil {
		return Pointer[T]{}, err
	}
	span := Option[Size]{Value: spanValue, IsSome: spanPresent}
	trueBranch, err := cond.And(whenTrue.Valid)
	if err != nil {
		return Pointer[T]{}, err
	}
	notCond := cond.Not()
	falseBranch, err := notCond.And(whenFalse.Valid)
	if err != nil {
		return Pointer[T]{}, err
	}
	valid, err := trueBranch.Or(falseBranch)
	if err != nil {
		return Pointer[T]{}, err
	}
	return Pointer[T]{Address: addr, Span: span, Valid: valid}, nil
}

func (p Pointer[T]) String() string {
	addr, err := p.Address.Decrypt()
	if err != nil {
		return "Pointer(<undecryptable>)"
	}
	valid, _ := p.Valid.Decrypt()
	return fmt.Sprintf("Pointer(address=0x%x, valid=%t)", addr, valid)
}
