// Package types implements the typed ciphertext layer: encrypted
// unsigned integers of width 8/16/32/64, encrypted booleans, and the
// structured ciphertexts (size, address, pointer, option) built on
// top of them.
package types

import (
	"fmt"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/fhesim"
)

// Cost constants for noise accounting, matching the typed integer
// layer's design: add/sub=4, mul=12, comparison=6, select-branch=3,
// select-control=2.
const (
	costAddSub        = 4
	costMul           = 12
	costComparison    = 6
	costSelectBranch  = 3
	costSelectControl = 2
)

// Unsigned is the family of native Go unsigned integer types this
// package's generic wrapper supports; it stands in for the Rust
// crate's per-width macro expansion (EncryptedUint8/16/32/64) with a
// single generic definition.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func bitsOf[T Unsigned]() int {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return 8
	case uint16:
		return 16
	case uint32:
		return 32
	case uint64:
		return 64
	default:
		return 0
	}
}

func maxOf[T Unsigned]() uint64 {
	bits := bitsOf[T]()
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

// Uint is an encrypted unsigned integer of the width implied by T.
// Invariant: cipher was produced under context's keys and
// noise.Consumed() <= noise.Capacity().
type Uint[T Unsigned] struct {
	cipher  fhesim.Ciphertext
	context *cryptctx.Context
	noise   cryptctx.NoiseState
}

// Encrypted width aliases, matching the data model's four integer
// widths.
type (
	Uint8  = Uint[uint8]
	Uint16 = Uint[uint16]
	Uint32 = Uint[uint32]
	Uint64 = Uint[uint64]
)

// EncryptUint encrypts value under ctx.
func EncryptUint[T Unsigned](ctx *cryptctx.Context, value T) Uint[T] {
	cipher, noise := ctx.EncryptRaw(uint64(value), bitsOf[T]())
	return Uint[T]{cipher: cipher, context: ctx, noise: noise}
}

// FromParts reassembles a wrapper from its pieces; used by select and
// comparison helpers that must produce a new ciphertext carrying
// merged noise.
func FromPartsUint[T Unsigned](cipher fhesim.Ciphertext, ctx *cryptctx.Context, noise cryptctx.NoiseState) Uint[T] {
	return Uint[T]{cipher: cipher, context: ctx, noise: noise}
}

// WithContext rebinds the wrapper to ctx, used after deserialization
// (the primitive's ciphertexts are context-agnostic at rest but must
// be associated with the rebinding context for subsequent operations).
func (u Uint[T]) WithContext(ctx *cryptctx.Context) Uint[T] {
	u.context = ctx
	return u
}

// gobWireUint is the serialized form of Uint[T]: context is skipped,
// matching the block serialization design.
type gobWireUint struct {
	Cipher fhesim.Ciphertext
	Noise  cryptctx.NoiseState
}

func (u Uint[T]) GobEncode() ([]byte, error) {
	return gobEncodeAny(gobWireUint{Cipher: u.cipher, Noise: u.noise})
}

func (u *Uint[T]) GobDecode(data []byte) error {
	var w gobWireUint
	if err := gobDecodeAny(data, &w); err != nil {
		return err
	}
	u.cipher = w.Cipher
	u.noise = w.Noise
	u.context = nil
	return nil
}

func (u Uint[T]) Inner() fhesim.Ciphertext { return u.cipher }
func (u Uint[T]) Context() *cryptctx.Context { return u.context }
func (u Uint[T]) NoiseState() cryptctx.NoiseState { return u.noise }
func (u Uint[T]) BitWidth() int { return bitsOf[T]() }
func (u Uint[T]) MaxValue() uint64 { return maxOf[T]() }

// Decrypt recovers the plaintext value, requiring the client key.
func (u Uint[T]) Decrypt() (T, error) {
	v, err := u.context.DecryptRaw(u.cipher)
	if err != nil {
		return 0, err
	}
	return T(v), nil
}

func (u Uint[T]) ensureSameContext(rhs Uint[T]) error {
	if !u.context.PtrEq(rhs.context) {
		return cryptctx.ErrContextMismatch
	}
	return nil
}

func (u Uint[T]) String() string {
	v, err := u.Decrypt()
	if err != nil {
		return fmt.Sprintf("Uint%d(<undecryptable>)", u.BitWidth())
	}
	return fmt.Sprintf("Uint%d(%d)", u.BitWidth(), v)
}

func (u Uint[T]) binaryOp(rhs Uint[T], cost uint64, apply func(sk fhesim.ServerKey, a, b fhesim.Ciphertext) (fhesim.Ciphertext, error)) (Uint[T], error) {
	if err := u.ensureSameContext(rhs); err != nil {
		return Uint[T]{}, err
	}
	sk := u.context.InstallServerKey()
	cipher, err := apply(sk, u.cipher, rhs.cipher)
	if err != nil {
		return Uint[T]{}, cryptctx.InvalidOperationErr(err.Error())
	}
	noise, err := cryptctx.Merge(u.noise, rhs.noise, cost)
	if err != nil {
		return Uint[T]{}, err
	}
	return Uint[T]{cipher: cipher, context: u.context, noise: noise}, nil
}

// WrappingAdd evaluates homomorphic wrapping addition.
func (u Uint[T]) WrappingAdd(rhs Uint[T]) (Uint[T], error) {
	return u.binaryOp(rhs, costAddSub, fhesim.Add)
}

// WrappingSub evaluates homomorphic wrapping subtraction.
func (u Uint[T]) WrappingSub(rhs Uint[T]) (Uint[T], error) {
	return u.binaryOp(rhs, costAddSub, fhesim.Sub)
}

// WrappingMul evaluates homomorphic wrapping multiplication.
func (u Uint[T]) WrappingMul(rhs Uint[T]) (Uint[T], error) {
	return u.binaryOp(rhs, costMul, fhesim.Mul)
}

// CheckedAdd decrypts both operands, verifies no overflow occurred,
// then performs the wrapping op. This requires client-key access and
// is intended for trusted-side use only — see the design note on
// checked/saturating arithmetic.
func (u Uint[T]) CheckedAdd(rhs Uint[T]) (Uint[T], error) {
	a, b, err := u.decryptPair(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	if a+b > u.MaxValue() {
		return Uint[T]{}, cryptctx.OverflowErr("checked_add")
	}
	return u.WrappingAdd(rhs)
}

// CheckedSub decrypts both operands and verifies no underflow.
func (u Uint[T]) CheckedSub(rhs Uint[T]) (Uint[T], error) {
	a, b, err := u.decryptPair(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	if b > a {
		return Uint[T]{}, cryptctx.OverflowErr("checked_sub")
	}
	return u.WrappingSub(rhs)
}

// CheckedMul decrypts both operands and verifies no overflow.
func (u Uint[T]) CheckedMul(rhs Uint[T]) (Uint[T], error) {
	a, b, err := u.decryptPair(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	if a != 0 && b > u.MaxValue()/a {
		return Uint[T]{}, cryptctx.OverflowErr("checked_mul")
	}
	return u.WrappingMul(rhs)
}

func (u Uint[T]) decryptPair(rhs Uint[T]) (uint64, uint64, error) {
	if err := u.ensureSameContext(rhs); err != nil {
		return 0, 0, err
	}
	av, err := u.Decrypt()
	if err != nil {
		return 0, 0, err
	}
	bv, err := rhs.Decrypt()
	if err != nil {
		return 0, 0, err
	}
	return uint64(av), uint64(bv), nil
}

// saturated re-encrypts result at this context's fresh max-capacity
// noise state, since a saturating result is a freshly encrypted value
// rather than a homomorphic combination of the operands.
func (u Uint[T]) saturated(value uint64) Uint[T] {
	cipher, _ := u.context.EncryptRaw(value, u.BitWidth())
	return Uint[T]{cipher: cipher, context: u.context, noise: u.context.ZeroNoise()}
}

// SaturatingAdd clamps to MaxValue on overflow.
func (u Uint[T]) SaturatingAdd(rhs Uint[T]) (Uint[T], error) {
	a, b, err := u.decryptPair(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	sum := a + b
	if sum > u.MaxValue() {
		return u.saturated(u.MaxValue()), nil
	}
	return u.saturated(sum), nil
}

// SaturatingSub clamps to zero on underflow.
func (u Uint[T]) SaturatingSub(rhs Uint[T]) (Uint[T], error) {
	a, b, err := u.decryptPair(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	if b > a {
		return u.saturated(0), nil
	}
	return u.saturated(a - b), nil
}

// SaturatingMul clamps to MaxValue on overflow.
func (u Uint[T]) SaturatingMul(rhs Uint[T]) (Uint[T], error) {
	a, b, err := u.decryptPair(rhs)
	if err != nil {
		return Uint[T]{}, err
	}
	if a != 0 && b > u.MaxValue()/a {
		return u.saturated(u.MaxValue()), nil
	}
	return u.saturated(a * b), nil
}

// Bootstrap refreshes the ciphertext under the evaluation key,
// resetting its noise state without changing the value. The oblivious
// allocator calls this on scan accumulators and bitmap cells so that a
// tier's scan depth is bounded by the primitive's bootstrap, not by
// the advisory noise budget — exactly how the gate-level backend keeps
// arbitrarily deep circuits evaluable. Requires only the server key.
func (u Uint[T]) Bootstrap() (Uint[T], error) {
	sk := u.context.InstallServerKey()
	cipher, err := fhesim.Bootstrap(sk, u.cipher)
	if err != nil {
		return Uint[T]{}, cryptctx.InvalidOperationErr(err.Error())
	}
	return Uint[T]{cipher: cipher, context: u.context, noise: u.context.ZeroNoise()}, nil
}

// Widen re-encrypts a narrower-width value at a wider width. A native
// FHE backend performs bit-width casts without decryption; the
// simulated oracle in this module has no such native op, so Widen
// round-trips through the client key. This is a limitation of the
// out-of-scope primitive stand-in, not a property the allocator
// relies on for its own correctness.
func Widen[From, To Unsigned](v Uint[From]) (Uint[To], error) {
	decrypted, err := v.Decrypt()
	if err != nil {
		return Uint[To]{}, err
	}
	return EncryptUint[To](v.Context(), To(decrypted)), nil
}

// BatchAdd evaluates wrapping addition element-wise over pairs,
// failing at the first error.
func BatchAdd[T Unsigned](pairs [][2]Uint[T]) ([]Uint[T], error) {
	return batchOp(pairs, Uint[T].WrappingAdd)
}

// BatchSub evaluates wrapping subtraction element-wise over pairs.
func BatchSub[T Unsigned](pairs [][2]Uint[T]) ([]Uint[T], error) {
	return batchOp(pairs, Uint[T].WrappingSub)
}

// BatchMul evaluates wrapping multiplication element-wise over pairs.
func BatchMul[T Unsigned](pairs [][2]Uint[T]) ([]Uint[T], error) {
	return batchOp(pairs, Uint[T].WrappingMul)
}

func batchOp[T Unsigned](pairs [][2]Uint[T], op func(Uint[T], Uint[T]) (Uint[T], error)) ([]Uint[T], error) {
	out := make([]Uint[T], 0, len(pairs))
	for _, pair := range pairs {
		result, err := op(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}
