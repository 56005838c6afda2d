// Package cryptmalloc is the programmatic surface of the oblivious
// allocator: a thin façade over internal/cryptctx, internal/types,
// internal/router, and internal/pool so that a caller who only wants
// "create a context, build a pool, allocate, release" does not need to
// import every internal package by hand.
package cryptmalloc

import (
	"fmt"

	"github.com/kenneth/cryptmalloc/internal/audit"
	"github.com/kenneth/cryptmalloc/internal/config"
	"github.com/kenneth/cryptmalloc/internal/cryptctx"
	"github.com/kenneth/cryptmalloc/internal/metrics"
	"github.com/kenneth/cryptmalloc/internal/pool"
	"github.com/kenneth/cryptmalloc/internal/router"
	"github.com/kenneth/cryptmalloc/internal/telemetry"
	"github.com/kenneth/cryptmalloc/internal/types"
)

// Context owns the key material behind every ciphertext this package
// produces. See internal/cryptctx for the full API (ExportKeys,
// FromSerialized, Diagnostics, PtrEq).
type Context = cryptctx.Context

// Pool is the virtual memory pool's control-plane allocator.
type Pool = pool.Pool

// Handle indexes a live or formerly-live block in a Pool.
type Handle = pool.Handle

// Router is the oblivious, constant-time tiered allocator. It is
// independent of Pool — see the design note on the two allocators'
// asymmetric free paths in DESIGN.md. Router.Free clears every slab
// slot whose offset equals the pointer; it does not detect double
// frees, does not coalesce, and never reclaims arena chunks, unlike
// Pool.ReleaseBlock, which rejects a double free and coalesces.
type Router = router.Router

// Convenience aliases for the typed ciphertext layer, so callers doing
// basic encrypt/decrypt/arithmetic work do not need to import
// internal/types directly.
type (
	Uint8   = types.Uint8
	Uint16  = types.Uint16
	Uint32  = types.Uint32
	Uint64  = types.Uint64
	Bool    = types.Bool
	Size    = types.Size
	Address = types.Address
)

// SecurityLevel selects one of the three underlying primitive
// parameter sets accepted by NewContext.
type SecurityLevel = cryptctx.SecurityLevel

const (
	Performance = cryptctx.Performance
	Balanced    = cryptctx.Balanced
	Secure      = cryptctx.Secure
)

// NewContext generates fresh key material for the given security
// level and compression setting.
func NewContext(level SecurityLevel, enableCompression bool) (*Context, error) {
	return cryptctx.New(cryptctx.Config{SecurityLevel: level, EnableCompression: enableCompression})
}

// DefaultContext builds a context at the documented defaults:
// Balanced security, compression enabled.
func DefaultContext() (*Context, error) {
	return cryptctx.New(cryptctx.DefaultConfig())
}

// NewContextFromConfig builds a context from a YAML-loaded
// config.ContextConfig, parsing its security-level string.
func NewContextFromConfig(cfg config.ContextConfig) (*Context, error) {
	level, err := parseSecurityLevel(cfg.SecurityLevel)
	if err != nil {
		return nil, err
	}
	return cryptctx.New(cryptctx.Config{SecurityLevel: level, EnableCompression: cfg.EnableCompression})
}

func parseSecurityLevel(name string) (SecurityLevel, error) {
	switch name {
	case "", "balanced":
		return Balanced, nil
	case "performance":
		return Performance, nil
	case "secure":
		return Secure, nil
	default:
		return 0, fmt.Errorf("cryptmalloc: unknown security level %q", name)
	}
}

// NewPool builds a virtual memory pool at the documented defaults:
// 4 KiB, base 0x1000, 16-byte alignment.
func NewPool(ctx *Context) (*Pool, error) {
	return pool.NewBuilder().Build(ctx)
}

// NewPoolFromConfig builds a pool from a YAML-loaded config.PoolConfig,
// falling back to the builder's defaults for any zero field.
func NewPoolFromConfig(ctx *Context, cfg config.PoolConfig) (*Pool, error) {
	b := pool.NewBuilder()
	if cfg.PoolBytes != 0 {
		b.PoolBytes(cfg.PoolBytes)
	}
	if cfg.BaseAddress != 0 {
		b.BaseAddress(cfg.BaseAddress)
	}
	if cfg.MinAlignment != 0 {
		b.MinAlignment(cfg.MinAlignment)
	}
	return b.Build(ctx)
}

// NewRouter lays out the fixed slab tiers and an arena of arenaBytes
// starting at base, matching the router's documented tier layout
// ({16:1024, 32:512, 64:256, 128:128, 256:64} plus the arena).
func NewRouter(ctx *Context, base uint64, arenaBytes uint64) (*Router, error) {
	return router.New(ctx, base, arenaBytes)
}

// Instrumentation bundles the optional metrics, audit, and tracing
// collaborators that Pool.Instrument and Router.Instrument accept, so
// an embedding application can wire all three with one call.
type Instrumentation struct {
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Tracer  *telemetry.Provider
}

// NewInstrumentationFromConfig builds the metrics/audit/tracer trio
// from a top-level config.Config, registering metrics with the default
// Prometheus registerer and skipping the audit logger entirely when
// the config disables it.
func NewInstrumentationFromConfig(cfg config.Config) (Instrumentation, error) {
	var inst Instrumentation
	inst.Metrics = metrics.NewMetrics()
	inst.Tracer = telemetry.NewProvider()
	if cfg.Audit.Enabled {
		logger, err := audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			return Instrumentation{}, err
		}
		inst.Audit = logger
	}
	return inst, nil
}

// Instrument attaches inst's collaborators to both p and r. Either may
// be nil to skip that allocator.
func Instrument(p *Pool, r *Router, inst Instrumentation) {
	if p != nil {
		p.Instrument(inst.Metrics, inst.Audit, inst.Tracer)
	}
	if r != nil {
		r.Instrument(inst.Metrics, inst.Tracer)
	}
}

// EncryptUint8/16/32/64 and EncryptBool mirror internal/types' exports
// for callers who only imported this package.
func EncryptUint8(ctx *Context, v uint8) Uint8 { return types.EncryptUint[uint8](ctx, v) }
func EncryptUint16(ctx *Context, v uint16) Uint16 { return types.EncryptUint[uint16](ctx, v) }
func EncryptUint32(ctx *Context, v uint32) Uint32 { return types.EncryptUint[uint32](ctx, v) }
func EncryptUint64(ctx *Context, v uint64) Uint64 { return types.EncryptUint[uint64](ctx, v) }
func EncryptBool(ctx *Context, v bool) Bool { return types.EncryptBool(ctx, v) }
func EncryptSize(ctx *Context, v uint32) Size { return types.EncryptSize(ctx, v) }
func EncryptAddress(ctx *Context, v uint64) Address { return types.EncryptAddress(ctx, v) }
