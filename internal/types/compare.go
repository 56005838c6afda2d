package types

import (
	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/fhesim"
)

func (u Uint[T]) compareOp(rhs Uint[T], apply func(sk fhesim.ServerKey, a, b fhesim.Ciphertext) (fhesim.Ciphertext, error)) (Bool, error) {
	if err := u.ensureSameContext(rhs); err != nil {
		return Bool{}, err
	}
	sk := u.context.InstallServerKey()
	cipher, err := apply(sk, u.cipher, rhs.cipher)
	if err != nil {
		return Bool{}, cryptctx.InvalidOperationErr(err.Error())
	}
	noise, err := cryptctx.Merge(u.noise, rhs.noise, costComparison)
	if err != nil {
		return Bool{}, err
	}
	return Bool{cipher: cipher, context: u.context, noise: noise}, nil
}

// Eq, Ne, Lt, Le, Gt, Ge produce an encrypted boolean; cost 6.
func (u Uint[T]) Eq(rhs Uint[T]) (Bool, error) { return u.compareOp(rhs, fhesim.Eq) }
func (u Uint[T]) Ne(rhs Uint[T]) (Bool, error) { return u.compareOp(rhs, fhesim.Ne) }
func (u Uint[T]) Lt(rhs Uint[T]) (Bool, error) { return u.compareOp(rhs, fhesim.Lt) }
func (u Uint[T]) Le(rhs Uint[T]) (Bool, error) { return u.compareOp(rhs, fhesim.Le) }
func (u Uint[T]) Gt(rhs Uint[T]) (Bool, error) { return u.compareOp(rhs, fhesim.Gt) }
func (u Uint[T]) Ge(rhs Uint[T]) (Bool, error) { return u.compareOp(rhs, fhesim.Ge) }

// MinCipher selects the smaller of u and rhs via comparison then
// oblivious select.
func (u Uint[T]) MinCipher(rhs Uint[T]) (Uint[T], error) {
	selector, err := u.Le(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	return SelectUint(selector, u, rhs)
}

// MaxCipher selects the larger of u and rhs.
func (u Uint[T]) MaxCipher(rhs Uint[T]) (Uint[T], error) {
	selector, err := u.Ge(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	return SelectUint(selector, u, rhs)
}

func mergeConditionNoise(condition Bool, lhs, rhs cryptctx.NoiseState) (cryptctx.NoiseState, error) {
	branchNoise, err := cryptctx.Merge(lhs, rhs, costSelectBranch)
	if err != nil {
		return cryptctx.NoiseState{}, err
	}
	return cryptctx.Merge(condition.NoiseState(), branchNoise, costSelectControl)
}

// SelectUint evaluates cond ? whenTrue : whenFalse obliviously via the
// primitive's if_then_else multiplexer. All three operands must share
// a context.
func SelectUint[T Unsigned](cond Bool, whenTrue, whenFalse Uint[T]) (Uint[T], error) {
	if !cond.Context().PtrEq(whenTrue.Context()) || !cond.Context().PtrEq(whenFalse.Context()) {
		return Uint[T]{}, cryptctx.ErrContextMismatch
	}
	sk := cond.Context().InstallServerKey()
	cipher, err := fhesim.IfThenElse(sk, cond.Inner(), whenTrue.Inner(), whenFalse.Inner())
	if err != nil {
		return Uint[T]{}, cryptctx.InvalidOperationErr(err.Error())
	}
	noise, err := mergeConditionNoise(cond, whenTrue.NoiseState(), whenFalse.NoiseState())
	if err != nil {
		return Uint[T]{}, err
	}
	return FromPartsUint[T](cipher, whenTrue.Context(), noise), nil
}

// SelectBool evaluates cond ? whenTrue : whenFalse for booleans.
func SelectBool(cond, whenTrue, whenFalse Bool) (Bool, error) {
	if !cond.Context().PtrEq(whenTrue.Context()) || !cond.Context().PtrEq(whenFalse.Context()) {
		return Bool{}, cryptctx.ErrContextMismatch
	}
	sk := cond.Context().InstallServerKey()
	cipher, err := fhesim.IfThenElse(sk, cond.Inner(), whenTrue.Inner(), whenFalse.Inner())
	if err != nil {
		return Bool{}, cryptctx.InvalidOperationErr(err.Error())
	}
	noise, err := mergeConditionNoise(cond, whenTrue.NoiseState(), whenFalse.NoiseState())
	if err != nil {
		return Bool{}, err
	}
	return FromPartsBool(cipher, whenTrue.Context(), noise), nil
}

// SelectOption evaluates cond ? whenTrue : whenFalse over optional
// values, decrypting the condition only when exactly one side is
// present (mirroring the Rust original's select_option: a genuine
// oblivious select is only possible when both branches carry a
// value of the same width).
func SelectOption[T Unsigned](cond Bool, whenTrue, whenFalse *Uint[T]) (*Uint[T], error) {
	switch {
	case whenTrue != nil && whenFalse != nil:
		if !cond.Context().PtrEq(whenTrue.Context()) || !cond.Context().PtrEq(whenFalse.Context()) {
			return nil, cryptctx.ErrContextMismatch
		}
		v, err := SelectUint(cond, *whenTrue, *whenFalse)
		if err != nil {
			return nil, err
		}
		return &v, nil
	case whenTrue != nil:
		if !cond.Context().PtrEq(whenTrue.Context()) {
			return nil, cryptctx.ErrContextMismatch
		}
		predicate, err := cond.Decrypt()
		if err != nil {
			return nil, err
		}
		if predicate {
			v := *whenTrue
			return &v, nil
		}
		return nil, nil
	case whenFalse != nil:
		if !cond.Context().PtrEq(whenFalse.Context()) {
			return nil, cryptctx.ErrContextMismatch
		}
		predicate, err := cond.Decrypt()
		if err != nil {
			return nil, err
		}
		if predicate {
			return nil, nil
		}
		v := *whenFalse
		return &v, nil
	default:
		return nil, nil
	}
}

// MinArrayU8 folds MinCipher across a non-empty slice of Uint8 values.
func MinArrayU8(inputs []Uint8) (Uint8, error) {
	current := inputs[0]
	for _, v := range inputs[1:] {
		next, err := current.MinCipher(v)
		if err != nil {
			return Uint8{}, err
		}
		current = next
	}
	return current, nil
}
