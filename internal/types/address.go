package types

import (
	"fmt"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
)

// Address wraps a 64-bit encrypted integer and represents a byte
// address in the virtual address space.
type Address struct {
	value Uint64
}

// EncryptAddress encrypts an address under ctx.
func EncryptAddress(ctx *cryptctx.Context, value uint64) Address {
	return Address{value: EncryptUint(ctx, value)}
}

func addressFromParts(v Uint64) Address { return Address{value: v} }

// WithContext rebinds the wrapper to ctx, used after deserialization.
func (a Address) WithContext(ctx *cryptctx.Context) Address {
	return Address{value: a.value.WithContext(ctx)}
}

func (a Address) GobEncode() ([]byte, error) { return a.value.GobEncode() }

func (a *Address) GobDecode(data []byte) error { return a.value.GobDecode(data) }

func (a Address) Inner() Uint64 { return a.value }
func (a Address) Context() *cryptctx.Context { return a.value.Context() }
func (a Address) NoiseState() cryptctx.NoiseState { return a.value.NoiseState() }

// Decrypt recovers the plaintext address.
func (a Address) Decrypt() (uint64, error) { return a.value.Decrypt() }

func (a Address) String() string {
	v, err := a.Decrypt()
	if err != nil {
		return "Address(<undecryptable>)"
	}
	return fmt.Sprintf("Address(0x%x)", v)
}

func (a Address) WrappingAdd(rhs Address) (Address, error) {
	v, err := a.value.WrappingAdd(rhs.value)
	return addressFromParts(v), err
}

func (a Address) WrappingSub(rhs Address) (Address, error) {
	v, err := a.value.WrappingSub(rhs.value)
	return addressFromParts(v), err
}

// AddSize advances an address by an encrypted byte count.
func (a Address) AddSize(size Size) (Address, error) {
	v, err := a.value.WrappingAdd(Uint64FromSize(size))
	return addressFromParts(v), err
}

// Uint64FromSize widens a 32-bit Size to a 64-bit Uint; used when
// mixing sizes into address math.
func Uint64FromSize(s Size) Uint64 {
	widened, _ := Widen[uint32, uint64](s.Inner())
	return widened
}

func (a Address) Eq(rhs Address) (Bool, error) { return a.value.Eq(rhs.value) }
func (a Address) Le(rhs Address) (Bool, error) { return a.value.Le(rhs.value) }
func (a Address) Lt(rhs Address) (Bool, error) { return a.value.Lt(rhs.value) }
func (a Address) Ge(rhs Address) (Bool, error) { return a.value.Ge(rhs.value) }
func (a Address) Gt(rhs Address) (Bool, error) { return a.value.Gt(rhs.value) }

// SelectAddress evaluates cond ? whenTrue : whenFalse obliviously.
func SelectAddress(cond Bool, whenTrue, whenFalse Address) (Address, error) {
	v, err := SelectUint(cond, whenTrue.value, whenFalse.value)
	return addressFromParts(v), err
}
