// Package pool implements the virtual memory pool: a block graph with
// first-fit placement, splitting, coalescing, integrity checksums, and
// alignment, exposing a plaintext control plane while keeping block
// metadata ciphertext.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/cryptmalloc/internal/audit"
	"github.com/kenneth/cryptmalloc/internal/block"
	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/metrics"
	"github.com/kenneth/cryptmalloc/internal/telemetry"
	"github.com/kenneth/cryptmalloc/internal/types"
)

// MinPoolBytes and MaxPoolBytes bound the construction-time pool size.
const (
	MinPoolBytes = 4096
	MaxPoolBytes = 1 << 30

	// handleSentinel marks "no handle"; the handle space issuable by
	// allocHandle stops one short of it so a live handle can never
	// collide with the sentinel.
	handleSentinel = ^uint32(0)
	maxHandle      = handleSentinel - 1
)

// Handle indexes into the pool's block array; a plaintext 32-bit token.
type Handle uint32

// Logger is the package-level logger for pool mutation events,
// overridable the way the teacher's middleware packages accept one.
var Logger = logrus.StandardLogger()

// BlockView is a restartable snapshot entry produced by BlockSnapshot.
type BlockView struct {
	Handle    Handle
	Address   uint64
	Size      uint32
	Allocated bool
	Alignment uint32
	Hits      uint64
}

// Stats summarizes pool occupancy and counters.
type Stats struct {
	Total           uint64
	Used            uint64
	Free            uint64
	Utilization     float64
	Fragmentation   float64
	Allocations     uint64
	Deallocations   uint64
	AccessEvents    uint64
	HasLastAccess   bool
	LastAccessAddr  uint64
	LastAccessStamp uint64
}

type accessEntry struct {
	address   uint64
	timestamp uint64
}

type blockRecord struct {
	blk       *block.Block
	alignment uint32
	hits      uint64
	free      bool
}

// Pool is the virtual memory pool. Internally synchronized with a
// single exclusive lock over pool state: AllocateBlock, ReleaseBlock,
// RecordAccess, and the linked-clone rebuild take a write guard; Stats,
// BlockSnapshot, VerifyIntegrity take a read guard (Stats verifies
// integrity first, then takes its read guard — the two are sequential,
// not held together).
type Pool struct {
	ctx *cryptctx.Context
	mu  sync.RWMutex

	baseAddress  uint64
	totalBytes   uint64
	minAlignment uint32
	digest       [32]byte

	encBase      types.Address
	encCapacity  types.Size
	encAlignment types.Uint32

	blocks        map[uint32]*blockRecord
	freeList      []uint32
	vacantHandles []uint32
	nextHandle    uint32

	accessLog     []accessEntry
	usedBytes     uint64
	allocations   uint64
	deallocations uint64
	timestamp     uint64

	integrityBroken bool

	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  *telemetry.Provider
}

// Instrument attaches optional metrics, audit, and tracing collaborators.
// Any argument may be nil to leave that collaborator unset; instrumented
// calls are no-ops for a nil collaborator.
func (p *Pool) Instrument(m *metrics.Metrics, logger audit.Logger, tracer *telemetry.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
	p.audit = logger
	p.tracer = tracer
}

func computeDigest(base, total uint64, alignment uint32) [32]byte {
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:8], base)
	binary.LittleEndian.PutUint64(buf[8:16], total)
	binary.LittleEndian.PutUint32(buf[16:20], alignment)
	return sha256.Sum256(buf[:])
}

// Builder constructs a Pool with validated bounds, defaulting to the
// observable defaults from the external interfaces section: 4096
// bytes, base 0x1000, min alignment 16.
type Builder struct {
	poolBytes    uint64
	baseAddress  uint64
	minAlignment uint32
}

// NewBuilder starts from the documented defaults.
func NewBuilder() *Builder {
	return &Builder{poolBytes: 4096, baseAddress: 0x1000, minAlignment: 16}
}

func (b *Builder) PoolBytes(n uint64) *Builder { b.poolBytes = n; return b }
func (b *Builder) BaseAddress(a uint64) *Builder { b.baseAddress = a; return b }
func (b *Builder) MinAlignment(a uint32) *Builder { b.minAlignment = a; return b }

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// Build validates the builder's parameters and constructs a pool whose
// initial state has exactly one free block spanning the entire range.
func (b *Builder) Build(ctx *cryptctx.Context) (*Pool, error) {
	if b.poolBytes < MinPoolBytes || b.poolBytes > MaxPoolBytes {
		return nil, invalidOperationErr("pool_bytes out of [4096, 2^30] range")
	}
	if !isPowerOfTwo(b.minAlignment) {
		return nil, invalidAlignmentErr(b.minAlignment)
	}

	p := &Pool{
		ctx:          ctx,
		baseAddress:  b.baseAddress,
		totalBytes:   b.poolBytes,
		minAlignment: b.minAlignment,
		digest:       computeDigest(b.baseAddress, b.poolBytes, b.minAlignment),
		encBase:      types.EncryptAddress(ctx, b.baseAddress),
		encCapacity:  types.EncryptSize(ctx, uint32(b.poolBytes)),
		encAlignment: types.EncryptUint(ctx, b.minAlignment),
		blocks:       make(map[uint32]*blockRecord),
	}

	root, err := block.WithLayout(ctx, b.baseAddress, uint32(b.poolBytes), 0)
	if err != nil {
		return nil, wrapCrypto(err)
	}
	p.blocks[0] = &blockRecord{blk: root, alignment: b.minAlignment, free: true}
	p.freeList = []uint32{0}
	p.nextHandle = 1

	if err := p.rebuildLinkedClonesLocked(); err != nil {
		return nil, wrapCrypto(err)
	}
	return p, nil
}

// VerifyIntegrity decrypts the plaintext mirror fields, confirms
// equality with the stored plaintext triple, and recomputes the
// digest. This is the read-guarded public entry point; internal
// mutators call verifyIntegrityLocked while already holding the write
// lock.
func (p *Pool) VerifyIntegrity() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verifyIntegrityLocked()
}

func (p *Pool) verifyIntegrityLocked() error {
	if p.integrityBroken {
		return ErrIntegrityViolation
	}
	base, err := p.encBase.Decrypt()
	if err != nil {
		return wrapCrypto(err)
	}
	capacity, err := p.encCapacity.Decrypt()
	if err != nil {
		return wrapCrypto(err)
	}
	alignment, err := p.encAlignment.Decrypt()
	if err != nil {
		return wrapCrypto(err)
	}
	if base != p.baseAddress || uint64(capacity) != p.totalBytes || alignment != p.minAlignment {
		p.integrityBroken = true
		return ErrIntegrityViolation
	}
	if computeDigest(base, uint64(capacity), alignment) != p.digest {
		p.integrityBroken = true
		return ErrIntegrityViolation
	}
	return nil
}

func (p *Pool) allocHandle() (uint32, error) {
	if n := len(p.vacantHandles); n > 0 {
		h := p.vacantHandles[n-1]
		p.vacantHandles = p.vacantHandles[:n-1]
		return h, nil
	}
	if p.nextHandle > maxHandle {
		return 0, ErrHandleSpaceExhausted
	}
	h := p.nextHandle
	p.nextHandle++
	return h, nil
}

func (p *Pool) removeFromFreeList(handle uint32) {
	for i, h := range p.freeList {
		if h == handle {
			p.freeList = append(p.freeList[:i], p.freeList[i+1:]...)
			return
		}
	}
}

func (p *Pool) insertIntoFreeList(handle uint32) {
	p.freeList = append(p.freeList, handle)
}

// findFit performs a first-fit scan of the free list: for each
// candidate, compute head padding and accept the first slot whose
// plaintext size accommodates padding+size.
func (p *Pool) findFit(size, alignment uint32) (uint32, uint32, error) {
	for _, h := range p.freeList {
		rec := p.blocks[h]
		addr, err := rec.blk.Address.Decrypt()
		if err != nil {
			return 0, 0, wrapCrypto(err)
		}
		blockSize, err := rec.blk.Size.Decrypt()
		if err != nil {
			return 0, 0, wrapCrypto(err)
		}
		padding := (alignment - uint32(addr)&(alignment-1)) & (alignment - 1)
		if blockSize >= padding+size {
			return h, padding, nil
		}
	}
	return 0, 0, ErrOutOfMemory
}

// fixNextNeighborPrev updates newBlock's next neighbor's prev link to
// point back at newBlock, used after a split inserts a new handle in
// the middle of the chain.
func (p *Pool) fixNextNeighborPrev(newBlock *block.Block) error {
	if newBlock.NextHandle == nil {
		return nil
	}
	neighbor, ok := p.blocks[*newBlock.NextHandle]
	if !ok {
		return invalidOperationErr("dangling next handle")
	}
	h := newBlock.SelfHandle
	addr, err := newBlock.Address.Decrypt()
	if err != nil {
		return err
	}
	return neighbor.blk.SetPrev(&h, &addr)
}

func (p *Pool) fixPrevNeighborNext(newBlock *block.Block) error {
	if newBlock.PrevHandle == nil {
		return nil
	}
	neighbor, ok := p.blocks[*newBlock.PrevHandle]
	if !ok {
		return invalidOperationErr("dangling prev handle")
	}
	h := newBlock.SelfHandle
	addr, err := newBlock.Address.Decrypt()
	if err != nil {
		return err
	}
	return neighbor.blk.SetNext(&h, &addr)
}

// splitAt splits rec's block at splitSize, registers the trailing
// piece under a freshly allocated handle, fixes up the next
// neighbor's prev link, and returns the new handle.
func (p *Pool) splitAt(handle uint32, splitSize uint32, alignment uint32) (uint32, error) {
	rec := p.blocks[handle]
	newHandle, err := p.allocHandle()
	if err != nil {
		return 0, err
	}
	addr, err := rec.blk.Address.Decrypt()
	if err != nil {
		return 0, wrapCrypto(err)
	}
	trailing, err := rec.blk.SplitBlock(splitSize, newHandle, addr+uint64(splitSize))
	if err != nil {
		return 0, wrapCrypto(err)
	}
	if err := p.fixNextNeighborPrev(trailing); err != nil {
		return 0, wrapCrypto(err)
	}
	p.blocks[newHandle] = &blockRecord{blk: trailing, alignment: alignment, free: true}
	p.insertIntoFreeList(newHandle)
	return newHandle, nil
}

// AllocateBlock finds a fitting free block, splits off head padding
// and any tail remainder, marks the target allocated, and rebuilds
// the linked-clone observation cache.
func (p *Pool) AllocateBlock(size uint32, alignment uint32) (Handle, error) {
	return p.AllocateBlockContext(context.Background(), size, alignment)
}

// AllocateBlockContext is AllocateBlock with a context threaded through
// to the optional tracer attached via Instrument.
func (p *Pool) AllocateBlockContext(ctx context.Context, size uint32, alignment uint32) (handle Handle, err error) {
	start := time.Now()
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.StartAllocate(ctx, size, alignment)
		defer func() { telemetry.EndWithResult(span, err) }()
	}

	handle, err = p.allocateBlockLocked(size, alignment)

	if p.metrics != nil {
		errType := ""
		if err != nil {
			errType = errorType(err)
		}
		p.metrics.RecordAllocate(ctx, uint32(handle), err == nil, errType, time.Since(start))
		if errors.Is(err, ErrIntegrityViolation) {
			p.metrics.RecordIntegrityViolation("pool")
		}
	}
	if p.audit != nil {
		p.audit.LogAllocate(uint32(handle), size, alignment, err == nil, err, time.Since(start))
	}

	return handle, err
}

// errorType maps a pool error to a short, stable label for metrics.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSize):
		return "invalid_size"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	case errors.Is(err, ErrHandleSpaceExhausted):
		return "handle_space_exhausted"
	case errors.Is(err, ErrUnknownHandle):
		return "unknown_handle"
	case errors.Is(err, ErrDoubleFree):
		return "double_free"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	default:
		return "other"
	}
}

func (p *Pool) allocateBlockLocked(size uint32, alignment uint32) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.verifyIntegrityLocked(); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, ErrInvalidSize
	}
	if alignment != 0 && !isPowerOfTwo(alignment) {
		return 0, invalidAlignmentErr(alignment)
	}
	if alignment < p.minAlignment {
		alignment = p.minAlignment
	}
	if !isPowerOfTwo(alignment) {
		return 0, invalidAlignmentErr(alignment)
	}

	candidate, padding, err := p.findFit(size, alignment)
	if err != nil {
		return 0, err
	}

	target := candidate
	if padding > 0 {
		newHandle, err := p.splitAt(candidate, padding, alignment)
		if err != nil {
			return 0, err
		}
		target = newHandle
	}

	targetRec := p.blocks[target]
	targetSize, err := targetRec.blk.Size.Decrypt()
	if err != nil {
		return 0, wrapCrypto(err)
	}
	if targetSize > size {
		if _, err := p.splitAt(target, size, alignment); err != nil {
			return 0, err
		}
	}

	targetRec.blk.Allocated = types.EncryptBool(p.ctx, true)
	if err := targetRec.blk.RefreshChecksum(); err != nil {
		return 0, wrapCrypto(err)
	}
	targetRec.free = false
	targetRec.alignment = alignment
	p.removeFromFreeList(target)
	p.usedBytes += uint64(size)
	p.allocations++

	if err := p.rebuildLinkedClonesLocked(); err != nil {
		return 0, wrapCrypto(err)
	}

	Logger.WithFields(logrus.Fields{
		"handle":    target,
		"size":      size,
		"alignment": alignment,
	}).Info("pool: allocated block")

	return Handle(target), nil
}

// mergeInto merges right into left (both free, address-adjacent),
// replacing left's handle's record with the merged block, recycling
// right's handle, and fixing up the merged block's next neighbor.
func (p *Pool) mergeInto(leftHandle, rightHandle uint32) error {
	leftRec := p.blocks[leftHandle]
	rightRec := p.blocks[rightHandle]
	merged, err := block.MergeBlocks(leftRec.blk, rightRec.blk)
	if err != nil {
		return wrapCrypto(err)
	}
	p.removeFromFreeList(rightHandle)
	delete(p.blocks, rightHandle)
	p.vacantHandles = append(p.vacantHandles, rightHandle)

	oldLeft := leftRec.blk
	leftRec.blk = merged
	if err := p.fixNextNeighborPrev(merged); err != nil {
		return wrapCrypto(err)
	}
	rightRec.blk.ZeroizeSensitive()
	oldLeft.ZeroizeSensitive()
	return nil
}

// ReleaseBlock marks handle's block free, coalesces with a free left
// neighbor then a free right neighbor, and inserts the surviving
// handle into the free list.
func (p *Pool) ReleaseBlock(handle Handle) error {
	return p.ReleaseBlockContext(context.Background(), handle)
}

// ReleaseBlockContext is ReleaseBlock with a context threaded through to
// the optional tracer attached via Instrument.
func (p *Pool) ReleaseBlockContext(ctx context.Context, handle Handle) (err error) {
	start := time.Now()
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.StartRelease(ctx, uint32(handle))
		defer func() { telemetry.EndWithResult(span, err) }()
	}

	err = p.releaseBlockLocked(handle)

	if p.metrics != nil {
		errType := ""
		if err != nil {
			errType = errorType(err)
		}
		p.metrics.RecordRelease(ctx, uint32(handle), err == nil, errType, time.Since(start))
		if errors.Is(err, ErrIntegrityViolation) {
			p.metrics.RecordIntegrityViolation("pool")
		}
	}
	if p.audit != nil {
		p.audit.LogRelease(uint32(handle), err == nil, err, time.Since(start))
	}
	if err != nil && errors.Is(err, ErrIntegrityViolation) && p.audit != nil {
		p.audit.LogIntegrityViolation(uint32(handle), err)
	}

	return err
}

func (p *Pool) releaseBlockLocked(handle Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.verifyIntegrityLocked(); err != nil {
		return err
	}
	rec, ok := p.blocks[uint32(handle)]
	if !ok {
		return ErrUnknownHandle
	}
	if rec.free {
		return ErrDoubleFree
	}

	size, err := rec.blk.Size.Decrypt()
	if err != nil {
		return wrapCrypto(err)
	}
	rec.blk.Allocated = types.EncryptBool(p.ctx, false)
	if err := rec.blk.RefreshChecksum(); err != nil {
		return wrapCrypto(err)
	}
	rec.free = true
	p.usedBytes -= uint64(size)
	p.deallocations++

	survivor := uint32(handle)
	if rec.blk.PrevHandle != nil {
		prevHandle := *rec.blk.PrevHandle
		if prevRec, ok := p.blocks[prevHandle]; ok && prevRec.free {
			if err := p.mergeInto(prevHandle, survivor); err != nil {
				return err
			}
			survivor = prevHandle
		}
	}
	survivorRec := p.blocks[survivor]
	if survivorRec.blk.NextHandle != nil {
		nextHandle := *survivorRec.blk.NextHandle
		if nextRec, ok := p.blocks[nextHandle]; ok && nextRec.free {
			if err := p.mergeInto(survivor, nextHandle); err != nil {
				return err
			}
		}
	}

	p.insertIntoFreeList(survivor)

	if err := p.rebuildLinkedClonesLocked(); err != nil {
		return wrapCrypto(err)
	}

	Logger.WithFields(logrus.Fields{"handle": handle}).Info("pool: released block")
	return nil
}

// RecordAccess increments the pool timestamp and the block's hit
// counter, and appends an access log entry.
func (p *Pool) RecordAccess(handle Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.blocks[uint32(handle)]
	if !ok {
		return ErrUnknownHandle
	}
	p.timestamp++
	rec.hits++
	addr, err := rec.blk.Address.Decrypt()
	if err != nil {
		return wrapCrypto(err)
	}
	p.accessLog = append(p.accessLog, accessEntry{address: addr, timestamp: p.timestamp})
	return nil
}

// rebuildLinkedClonesLocked rebuilds every block's linked-clone slots
// in one pass: for each block, clone its prev and next neighbor (if
// any) into its observation-cache slots. Must be called with the
// write lock held.
func (p *Pool) rebuildLinkedClonesLocked() error {
	for _, rec := range p.blocks {
		var prev, next *block.Block
		if rec.blk.PrevHandle != nil {
			if r, ok := p.blocks[*rec.blk.PrevHandle]; ok {
				prev = r.blk
			}
		}
		if rec.blk.NextHandle != nil {
			if r, ok := p.blocks[*rec.blk.NextHandle]; ok {
				next = r.blk
			}
		}
		if err := rec.blk.LinkClone(prev, next); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns occupancy totals and counters. Integrity is verified
// first, then the read guard is taken — the two are sequential steps,
// not a single combined critical section.
func (p *Pool) Stats() (Stats, error) {
	if err := p.VerifyIntegrity(); err != nil {
		return Stats{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var largestFree, totalFree uint64
	for _, h := range p.freeList {
		rec := p.blocks[h]
		size, err := rec.blk.Size.Decrypt()
		if err != nil {
			return Stats{}, wrapCrypto(err)
		}
		totalFree += uint64(size)
		if uint64(size) > largestFree {
			largestFree = uint64(size)
		}
	}

	stats := Stats{
		Total:         p.totalBytes,
		Used:          p.usedBytes,
		Free:          totalFree,
		Allocations:   p.allocations,
		Deallocations: p.deallocations,
		AccessEvents:  uint64(len(p.accessLog)),
	}
	if p.totalBytes > 0 {
		stats.Utilization = float64(p.usedBytes) / float64(p.totalBytes)
	}
	if totalFree > 0 {
		stats.Fragmentation = 1 - float64(largestFree)/float64(totalFree)
	}
	if n := len(p.accessLog); n > 0 {
		last := p.accessLog[n-1]
		stats.HasLastAccess = true
		stats.LastAccessAddr = last.address
		stats.LastAccessStamp = last.timestamp
	}
	return stats, nil
}

// BlockSnapshot returns a slice of BlockView entries, one per block,
// built in full under the read guard. It reads current state once
// rather than tailing live mutations; a new call sees later changes.
func (p *Pool) BlockSnapshot() ([]BlockView, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	views := make([]BlockView, 0, len(p.blocks))
	for h, rec := range p.blocks {
		addr, err := rec.blk.Address.Decrypt()
		if err != nil {
			return nil, wrapCrypto(err)
		}
		size, err := rec.blk.Size.Decrypt()
		if err != nil {
			return nil, wrapCrypto(err)
		}
		allocated, err := rec.blk.Allocated.Decrypt()
		if err != nil {
			return nil, wrapCrypto(err)
		}
		views = append(views, BlockView{
			Handle:    Handle(h),
			Address:   addr,
			Size:      size,
			Allocated: allocated,
			Alignment: rec.alignment,
			Hits:      rec.hits,
		})
	}
	return views, nil
}

// SnapshotBlock produces the view of a single block by handle, under
// the same read guard BlockSnapshot takes.
func (p *Pool) SnapshotBlock(handle Handle) (BlockView, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.blocks[uint32(handle)]
	if !ok {
		return BlockView{}, ErrUnknownHandle
	}
	addr, err := rec.blk.Address.Decrypt()
	if err != nil {
		return BlockView{}, wrapCrypto(err)
	}
	size, err := rec.blk.Size.Decrypt()
	if err != nil {
		return BlockView{}, wrapCrypto(err)
	}
	allocated, err := rec.blk.Allocated.Decrypt()
	if err != nil {
		return BlockView{}, wrapCrypto(err)
	}
	return BlockView{
		Handle:    handle,
		Address:   addr,
		Size:      size,
		Allocated: allocated,
		Alignment: rec.alignment,
		Hits:      rec.hits,
	}, nil
}

// BasePointer returns an encrypted pointer to the pool's base address
// with the valid flag unconditionally true. Whether callers are
// meant to re-gate this with pool liveness is an open question in the
// design this module follows; this implementation leaves that gating
// to the caller.
func (p *Pool) BasePointer() (types.Pointer[Pool], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	none := types.Option[types.Size]{
		Value:  types.EncryptSize(p.ctx, 0),
		IsSome: types.EncryptBool(p.ctx, false),
	}
	valid := types.EncryptBool(p.ctx, true)
	return types.NewPointer[Pool](p.encBase, none, valid)
}
