// Package block implements the encrypted memory block: a pool node
// carrying address, size, allocation status, a checksum binding its
// plaintext projection, and both plaintext handles and ciphertext
// neighbor pointers.
package block

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"

	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/types"
)

// handleSentinel stands in for "no handle" in the checksum projection,
// matching the spec's `self_handle ∨ MAX` formulation.
const handleSentinel = ^uint32(0)

// Block is one node in the pool's block graph. Handles (SelfHandle,
// PrevHandle, NextHandle) are plaintext 32-bit tokens; everything else
// that carries allocator state is ciphertext. PrevHandleCipher and
// NextHandleCipher are encrypted copies of the neighbor handles,
// folded into the checksum so that tampering with a plaintext handle
// is still detectable by validate_integrity.
type Block struct {
	ctx *cryptctx.Context

	Address   types.Address
	Size      types.Size
	Allocated types.Bool
	Version   types.Uint32
	Checksum  types.Uint32

	SelfHandle uint32
	PrevHandle *uint32
	NextHandle *uint32

	PrevPointer *types.Address
	NextPointer *types.Address

	PrevHandleCipher *types.Uint32
	NextHandleCipher *types.Uint32

	// prevClone/nextClone are the linked-clone observation cache from
	// the pool's rebuild pass (section 4.7): non-authoritative
	// snapshots of this block's neighbors, two-level max, never
	// mutated in isolation.
	prevClone *Snapshot
	nextClone *Snapshot
}

// Snapshot is a point-in-time, non-authoritative copy of a block's
// plaintext-visible fields, used as a linked-clone leaf.
type Snapshot struct {
	Handle    uint32
	Address   uint64
	Size      uint32
	Allocated bool
}

// WithLayout encrypts a fresh block's fields and computes its initial
// checksum.
func WithLayout(ctx *cryptctx.Context, address uint64, size uint32, handle uint32) (*Block, error) {
	b := &Block{
		ctx:        ctx,
		Address:    types.EncryptAddress(ctx, address),
		Size:       types.EncryptSize(ctx, size),
		Allocated:  types.EncryptBool(ctx, false),
		Version:    types.EncryptUint[uint32](ctx, 0),
		SelfHandle: handle,
	}
	if err := b.RefreshChecksum(); err != nil {
		return nil, err
	}
	return b, nil
}

func decryptOr(a *types.Address) (uint64, error) {
	if a == nil {
		return 0, nil
	}
	return a.Decrypt()
}

func handleOr(h *uint32) uint32 {
	if h == nil {
		return handleSentinel
	}
	return *h
}

func handleCipherOr(h *types.Uint32) (uint32, error) {
	if h == nil {
		return handleSentinel, nil
	}
	return h.Decrypt()
}

// checksumPlain recomputes the truncated SHA-256 checksum over this
// block's plaintext projection, per the checksum function in the
// component design: address || size || allocated || prev_addr ||
// next_addr || version || self_handle || prev_handle || next_handle ||
// prev_handle_cipher || next_handle_cipher, all little-endian.
func (b *Block) checksumPlain() (uint32, error) {
	addr, err := b.Address.Decrypt()
	if err != nil {
		return 0, err
	}
	size, err := b.Size.Decrypt()
	if err != nil {
		return 0, err
	}
	allocated, err := b.Allocated.Decrypt()
	if err != nil {
		return 0, err
	}
	version, err := b.Version.Decrypt()
	if err != nil {
		return 0, err
	}
	prevAddr, err := decryptOr(b.PrevPointer)
	if err != nil {
		return 0, err
	}
	nextAddr, err := decryptOr(b.NextPointer)
	if err != nil {
		return 0, err
	}
	prevHandleCipher, err := handleCipherOr(b.PrevHandleCipher)
	if err != nil {
		return 0, err
	}
	nextHandleCipher, err := handleCipherOr(b.NextHandleCipher)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], addr)
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], size)
	buf.Write(scratch[:4])
	if allocated {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.LittleEndian.PutUint64(scratch[:], prevAddr)
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], nextAddr)
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], version)
	buf.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], b.SelfHandle)
	buf.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], handleOr(b.PrevHandle))
	buf.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], handleOr(b.NextHandle))
	buf.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], prevHandleCipher)
	buf.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], nextHandleCipher)
	buf.Write(scratch[:4])

	sum := sha256.Sum256(buf.Bytes())
	return binary.LittleEndian.Uint32(sum[0:4]), nil
}

// RefreshChecksum recomputes and re-encrypts the checksum. Every
// mutator calls this before returning.
func (b *Block) RefreshChecksum() error {
	plain, err := b.checksumPlain()
	if err != nil {
		return err
	}
	b.Checksum = types.EncryptUint(b.ctx, plain)
	return nil
}

// ValidateIntegrity recomputes the checksum and compares it against
// the stored, decrypted checksum.
func (b *Block) ValidateIntegrity() (bool, error) {
	plain, err := b.checksumPlain()
	if err != nil {
		return false, err
	}
	stored, err := b.Checksum.Decrypt()
	if err != nil {
		return false, err
	}
	return plain == stored, nil
}

// SplitBlock splits off a trailing block at leadingSize: self becomes
// [addr, addr+leadingSize) with its next-link pointed at the new
// trailing block; the trailing block covers
// [newAddress, newAddress+(total-leadingSize)) and inherits self's
// prior next-link.
func (b *Block) SplitBlock(leadingSize uint32, newHandle uint32, newAddress uint64) (*Block, error) {
	totalSize, err := b.Size.Decrypt()
	if err != nil {
		return nil, err
	}
	if leadingSize == 0 || leadingSize >= totalSize {
		return nil, cryptctx.InvalidOperationErr("split size must be strictly between 0 and the block's total size")
	}

	trailingSize := totalSize - leadingSize
	trailing, err := WithLayout(b.ctx, newAddress, trailingSize, newHandle)
	if err != nil {
		return nil, err
	}

	trailing.NextHandle = b.NextHandle
	trailing.NextPointer = b.NextPointer
	trailing.PrevHandle = &b.SelfHandle
	prevAddr, err := b.Address.Decrypt()
	if err != nil {
		return nil, err
	}
	prevAddrEnc := types.EncryptAddress(b.ctx, prevAddr)
	trailing.PrevPointer = &prevAddrEnc
	selfHandleCipher := types.EncryptUint(b.ctx, b.SelfHandle)
	trailing.PrevHandleCipher = &selfHandleCipher
	if err := trailing.RefreshChecksum(); err != nil {
		return nil, err
	}

	b.Size = types.EncryptSize(b.ctx, leadingSize)
	b.NextHandle = &newHandle
	newAddrEnc := types.EncryptAddress(b.ctx, newAddress)
	b.NextPointer = &newAddrEnc
	newHandleCipher := types.EncryptUint(b.ctx, newHandle)
	b.NextHandleCipher = &newHandleCipher
	if err := b.RefreshChecksum(); err != nil {
		return nil, err
	}

	return trailing, nil
}

// AbsorbRight grows self by right's size; requires a shared context.
func (b *Block) AbsorbRight(right *Block) error {
	if !b.ctx.PtrEq(right.ctx) {
		return cryptctx.ErrContextMismatch
	}
	merged, err := b.Size.WrappingAdd(right.Size)
	if err != nil {
		return err
	}
	b.Size = merged
	return b.RefreshChecksum()
}

// MergeBlocks merges two free, address-adjacent blocks. The merged
// block inherits left's address and prev-link, and right's next-link.
func MergeBlocks(left, right *Block) (*Block, error) {
	if !left.ctx.PtrEq(right.ctx) {
		return nil, cryptctx.ErrContextMismatch
	}
	leftAllocated, err := left.Allocated.Decrypt()
	if err != nil {
		return nil, err
	}
	rightAllocated, err := right.Allocated.Decrypt()
	if err != nil {
		return nil, err
	}
	if leftAllocated || rightAllocated {
		return nil, cryptctx.InvalidOperationErr("merge requires both blocks to be free")
	}
	leftAddr, err := left.Address.Decrypt()
	if err != nil {
		return nil, err
	}
	leftSize, err := left.Size.Decrypt()
	if err != nil {
		return nil, err
	}
	rightAddr, err := right.Address.Decrypt()
	if err != nil {
		return nil, err
	}
	if leftAddr+uint64(leftSize) != rightAddr {
		return nil, cryptctx.InvalidOperationErr("merge requires address-adjacent blocks")
	}
	rightSize, err := right.Size.Decrypt()
	if err != nil {
		return nil, err
	}

	merged, err := WithLayout(left.ctx, leftAddr, leftSize+rightSize, left.SelfHandle)
	if err != nil {
		return nil, err
	}
	merged.PrevHandle = left.PrevHandle
	merged.PrevPointer = left.PrevPointer
	merged.PrevHandleCipher = left.PrevHandleCipher
	merged.NextHandle = right.NextHandle
	merged.NextPointer = right.NextPointer
	merged.NextHandleCipher = right.NextHandleCipher
	if err := merged.RefreshChecksum(); err != nil {
		return nil, err
	}
	return merged, nil
}

// SetPrev re-encrypts the previous neighbor's handle and address,
// refreshing the checksum.
func (b *Block) SetPrev(handle *uint32, address *uint64) error {
	b.PrevHandle = handle
	if handle != nil {
		cipher := types.EncryptUint(b.ctx, *handle)
		b.PrevHandleCipher = &cipher
	} else {
		b.PrevHandleCipher = nil
	}
	if address != nil {
		addrC := types.EncryptAddress(b.ctx, *address)
		b.PrevPointer = &addrC
	} else {
		b.PrevPointer = nil
	}
	return b.RefreshChecksum()
}

// SetNext re-encrypts the next neighbor's handle and address.
func (b *Block) SetNext(handle *uint32, address *uint64) error {
	b.NextHandle = handle
	if handle != nil {
		cipher := types.EncryptUint(b.ctx, *handle)
		b.NextHandleCipher = &cipher
	} else {
		b.NextHandleCipher = nil
	}
	if address != nil {
		addrC := types.EncryptAddress(b.ctx, *address)
		b.NextPointer = &addrC
	} else {
		b.NextPointer = nil
	}
	return b.RefreshChecksum()
}

// RebindContext associates a deserialized block with a live context.
// The primitive's ciphertexts are context-agnostic at rest; only the
// Go wrapper's context pointer needs rebinding, on the block and on
// every ciphertext field it carries.
func (b *Block) RebindContext(ctx *cryptctx.Context) {
	b.ctx = ctx
	b.Address = b.Address.WithContext(ctx)
	b.Size = b.Size.WithContext(ctx)
	b.Allocated = b.Allocated.WithContext(ctx)
	b.Version = b.Version.WithContext(ctx)
	b.Checksum = b.Checksum.WithContext(ctx)
	if b.PrevPointer != nil {
		rebound := b.PrevPointer.WithContext(ctx)
		b.PrevPointer = &rebound
	}
	if b.NextPointer != nil {
		rebound := b.NextPointer.WithContext(ctx)
		b.NextPointer = &rebound
	}
	if b.PrevHandleCipher != nil {
		rebound := b.PrevHandleCipher.WithContext(ctx)
		b.PrevHandleCipher = &rebound
	}
	if b.NextHandleCipher != nil {
		rebound := b.NextHandleCipher.WithContext(ctx)
		b.NextHandleCipher = &rebound
	}
}

// Context returns the block's bound context.
func (b *Block) Context() *cryptctx.Context { return b.ctx }

// LinkClone rebuilds this block's linked-clone slots from its
// neighbors' current snapshots. Clones do not recursively embed
// further clones (two-level max).
func (b *Block) LinkClone(prev, next *Block) error {
	if prev != nil {
		snap, err := prev.snapshot()
		if err != nil {
			return err
		}
		b.prevClone = &snap
	} else {
		b.prevClone = nil
	}
	if next != nil {
		snap, err := next.snapshot()
		if err != nil {
			return err
		}
		b.nextClone = &snap
	} else {
		b.nextClone = nil
	}
	return nil
}

func (b *Block) snapshot() (Snapshot, error) {
	addr, err := b.Address.Decrypt()
	if err != nil {
		return Snapshot{}, err
	}
	size, err := b.Size.Decrypt()
	if err != nil {
		return Snapshot{}, err
	}
	allocated, err := b.Allocated.Decrypt()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Handle: b.SelfHandle, Address: addr, Size: size, Allocated: allocated}, nil
}

// PrevClone/NextClone return the current observation-cache snapshots.
func (b *Block) PrevClone() *Snapshot { return b.prevClone }
func (b *Block) NextClone() *Snapshot { return b.nextClone }

// ZeroizeSensitive replaces all ciphertext fields with fresh
// zero-encryptions and drops in-memory linked clones. Must run when a
// block is dropped from the pool.
func (b *Block) ZeroizeSensitive() {
	ctx := b.ctx
	b.Address = types.EncryptAddress(ctx, 0)
	b.Size = types.EncryptSize(ctx, 0)
	b.Allocated = types.EncryptBool(ctx, false)
	b.Version = types.EncryptUint[uint32](ctx, 0)
	b.Checksum = types.EncryptUint[uint32](ctx, 0)
	b.PrevPointer = nil
	b.NextPointer = nil
	b.PrevHandleCipher = nil
	b.NextHandleCipher = nil
	b.prevClone = nil
	b.nextClone = nil
}

// --- test hooks -------------------------------------------------------

// CorruptAddress replaces the address field with a wrong-valued
// cipher, breaking the checksum for ValidateIntegrity tests.
func (b *Block) CorruptAddress(wrong uint64) {
	b.Address = types.EncryptAddress(b.ctx, wrong)
}

// CorruptSize replaces the size field with a wrong-valued cipher.
func (b *Block) CorruptSize(wrong uint32) {
	b.Size = types.EncryptSize(b.ctx, wrong)
}

// CorruptChecksum directly overwrites the stored checksum.
func (b *Block) CorruptChecksum(wrong uint32) {
	b.Checksum = types.EncryptUint(b.ctx, wrong)
}

// --- serialization -----------------------------------------------------

// wireBlock is the serde projection from the serialization design:
// context is skipped, and in-memory linked clones and handle-local
// state are not serialized.
type wireBlock struct {
	Address   types.Address
	Size      types.Size
	Allocated types.Bool
	Checksum  types.Uint32
	Version   types.Uint32

	PrevPointer *types.Address
	NextPointer *types.Address
}

// Serialize encodes the block envelope; the reader must supply a
// context to rebind on Deserialize and must re-establish handle
// fields explicitly.
func (b *Block) Serialize() ([]byte, error) {
	w := wireBlock{
		Address:     b.Address,
		Size:        b.Size,
		Allocated:   b.Allocated,
		Checksum:    b.Checksum,
		Version:     b.Version,
		PrevPointer: b.PrevPointer,
		NextPointer: b.NextPointer,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, cryptctx.InvalidOperationErr("block serialize: " + err.Error())
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a block envelope and rebinds it to ctx. Handle
// fields (SelfHandle, PrevHandle, NextHandle, the handle ciphers) are
// not part of the envelope and must be set by the caller afterward.
func Deserialize(ctx *cryptctx.Context, data []byte) (*Block, error) {
	var w wireBlock
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, cryptctx.InvalidOperationErr("block deserialize: " + err.Error())
	}
	b := &Block{
		Address:     w.Address,
		Size:        w.Size,
		Allocated:   w.Allocated,
		Checksum:    w.Checksum,
		Version:     w.Version,
		PrevPointer: w.PrevPointer,
		NextPointer: w.NextPointer,
	}
	b.RebindContext(ctx)
	return b, nil
}
