package types

import (
	"fmt"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
)

// Size wraps a 32-bit encrypted integer and represents a byte count.
type Size struct {
	value Uint32
}

// EncryptSize encrypts a byte count under ctx.
func EncryptSize(ctx *cryptctx.Context, value uint32) Size {
	return Size{value: EncryptUint(ctx, value)}
}

func sizeFromParts(v Uint32) Size { return Size{value: v} }

// WithContext rebinds the wrapper to ctx, used after deserialization.
func (s Size) WithContext(ctx *cryptctx.Context) Size {
	return Size{value: s.value.WithContext(ctx)}
}

func (s Size) GobEncode() ([]byte, error) { return s.value.GobEncode() }

func (s *Size) GobDecode(data []byte) error { return s.value.GobDecode(data) }

func (s Size) Inner() Uint32 { return s.value }
func (s Size) Context() *cryptctx.Context { return s.value.Context() }
func (s Size) NoiseState() cryptctx.NoiseState { return s.value.NoiseState() }

// Decrypt recovers the plaintext byte count.
func (s Size) Decrypt() (uint32, error) { return s.value.Decrypt() }

func (s Size) String() string {
	v, err := s.Decrypt()
	if err != nil {
		return "Size(<undecryptable>)"
	}
	return fmt.Sprintf("Size(%d)", v)
}

func (s Size) WrappingAdd(rhs Size) (Size, error) {
	v, err := s.value.WrappingAdd(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) WrappingSub(rhs Size) (Size, error) {
	v, err := s.value.WrappingSub(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) WrappingMul(rhs Size) (Size, error) {
	v, err := s.value.WrappingMul(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) CheckedAdd(rhs Size) (Size, error) {
	v, err := s.value.CheckedAdd(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) CheckedSub(rhs Size) (Size, error) {
	v, err := s.value.CheckedSub(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) CheckedMul(rhs Size) (Size, error) {
	v, err := s.value.CheckedMul(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) MinCipher(rhs Size) (Size, error) {
	v, err := s.value.MinCipher(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) MaxCipher(rhs Size) (Size, error) {
	v, err := s.value.MaxCipher(rhs.value)
	return sizeFromParts(v), err
}

func (s Size) Eq(rhs Size) (Bool, error) { return s.value.Eq(rhs.value) }
func (s Size) Le(rhs Size) (Bool, error) { return s.value.Le(rhs.value) }
func (s Size) Lt(rhs Size) (Bool, error) { return s.value.Lt(rhs.value) }
func (s Size) Ge(rhs Size) (Bool, error) { return s.value.Ge(rhs.value) }
func (s Size) Gt(rhs Size) (Bool, error) { return s.value.Gt(rhs.value) }

// SelectSize evaluates cond ? whenTrue : whenFalse obliviously.
func SelectSize(cond Bool, whenTrue, whenFalse Size) (Size, error) {
	v, err := SelectUint(cond, whenTrue.value, whenFalse.value)
	return sizeFromParts(v), err
}

// AlignUpPlain rounds up to the next multiple of alignment by
// decrypting, computing in the clear, and re-encrypting. This is
// explicitly non-oblivious: alignment math on a size is a control-
// plane concern in the pool, not a property the oblivious allocator
// ever needs to hide.
func (s Size) AlignUpPlain(alignment uint32) (Size, error) {
	v, err := s.Decrypt()
	if err != nil {
		return Size{}, err
	}
	aligned := (v + alignment - 1) &^ (alignment - 1)
	return EncryptSize(s.Context(), aligned), nil
}

// AlignDownPlain rounds down to the previous multiple of alignment.
func (s Size) AlignDownPlain(alignment uint32) (Size, error) {
	v, err := s.Decrypt()
	if err != nil {
		return Size{}, err
	}
	aligned := v &^ (alignment - 1)
	return EncryptSize(s.Context(), aligned), nil
}
