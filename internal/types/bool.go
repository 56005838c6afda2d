package types

import (
	"fmt"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/fhesim"
)

// boolBits is the declared width of an encrypted boolean.
const boolBits = 1

// Bool is an encrypted boolean: same shape as Uint, width 1.
type Bool struct {
	cipher  fhesim.Ciphertext
	context *cryptctx.Context
	noise   cryptctx.NoiseState
}

// EncryptBool encrypts a plaintext boolean under ctx.
func EncryptBool(ctx *cryptctx.Context, value bool) Bool {
	var v uint64
	if value {
		v = 1
	}
	cipher, noise := ctx.EncryptRaw(v, boolBits)
	return Bool{cipher: cipher, context: ctx, noise: noise}
}

// FromPartsBool reassembles a Bool from its pieces.
func FromPartsBool(cipher fhesim.Ciphertext, ctx *cryptctx.Context, noise cryptctx.NoiseState) Bool {
	return Bool{cipher: cipher, context: ctx, noise: noise}
}

// WithContext rebinds the wrapper to ctx, used after deserialization.
func (b Bool) WithContext(ctx *cryptctx.Context) Bool {
	b.context = ctx
	return b
}

type gobWireBool struct {
	Cipher fhesim.Ciphertext
	Noise  cryptctx.NoiseState
}

func (b Bool) GobEncode() ([]byte, error) {
	return gobEncodeAny(gobWireBool{Cipher: b.cipher, Noise: b.noise})
}

func (b *Bool) GobDecode(data []byte) error {
	var w gobWireBool
	if err := gobDecodeAny(data, &w); err != nil {
		return err
	}
	b.cipher = w.Cipher
	b.noise = w.Noise
	b.context = nil
	return nil
}

func (b Bool) Inner() fhesim.Ciphertext { return b.cipher }
func (b Bool) Context() *cryptctx.Context { return b.context }
func (b Bool) NoiseState() cryptctx.NoiseState { return b.noise }

// Decrypt recovers the plaintext boolean.
func (b Bool) Decrypt() (bool, error) {
	v, err := b.context.DecryptRaw(b.cipher)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (b Bool) String() string {
	v, err := b.Decrypt()
	if err != nil {
		return "Bool(<undecryptable>)"
	}
	return fmt.Sprintf("Bool(%t)", v)
}

func (b Bool) ensureSameContext(rhs Bool) error {
	if !b.context.PtrEq(rhs.context) {
		return cryptctx.ErrContextMismatch
	}
	return nil
}

func (b Bool) binaryOp(rhs Bool, apply func(sk fhesim.ServerKey, a, fb fhesim.Ciphertext) (fhesim.Ciphertext, error)) (Bool, error) {
	if err := b.ensureSameContext(rhs); err != nil {
		return Bool{}, err
	}
	sk := b.context.InstallServerKey()
	cipher, err := apply(sk, b.cipher, rhs.cipher)
	if err != nil {
		return Bool{}, cryptctx.InvalidOperationErr(err.Error())
	}
	noise, err := cryptctx.Merge(b.noise, rhs.noise, costAddSub)
	if err != nil {
		return Bool{}, err
	}
	return Bool{cipher: cipher, context: b.context, noise: noise}, nil
}

// And evaluates homomorphic conjunction.
func (b Bool) And(rhs Bool) (Bool, error) { return b.binaryOp(rhs, fhesim.And) }

// Or evaluates homomorphic disjunction.
func (b Bool) Or(rhs Bool) (Bool, error) { return b.binaryOp(rhs, fhesim.Or) }

// Xor evaluates homomorphic exclusive-or.
func (b Bool) Xor(rhs Bool) (Bool, error) { return b.binaryOp(rhs, fhesim.Xor) }

// Not negates locally; the underlying primitive treats boolean
// negation as free, so this never touches noise.
func (b Bool) Not() Bool {
	return Bool{cipher: fhesim.Not(b.cipher), context: b.context, noise: b.noise}
}

// Bootstrap refreshes the ciphertext under the evaluation key,
// resetting its noise state without changing the value. See
// Uint.Bootstrap for the contract.
func (b Bool) Bootstrap() (Bool, error) {
	sk := b.context.InstallServerKey()
	cipher, err := fhesim.Bootstrap(sk, b.cipher)
	if err != nil {
		return Bool{}, cryptctx.InvalidOperationErr(err.Error())
	}
	return Bool{cipher: cipher, context: b.context, noise: b.context.ZeroNoise()}, nil
}
