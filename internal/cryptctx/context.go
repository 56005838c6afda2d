package cryptctx

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"

	"github.com/kenneth/cryptmalloc/internal/fhesim"
)

// Logger is the package-level logger, overridable by embedding
// applications the way the teacher repo's middleware packages accept
// a *logrus.Logger rather than reaching for a global.
var Logger = logrus.StandardLogger()

// Context is a shared, reference-counted handle to a context's
// configuration and key material. It is immutable after construction;
// two contexts are equal only by reference identity — PtrEq is the
// only equality the rest of this module is allowed to rely on.
//
// Internally synchronized with a single-writer-multiple-reader lock:
// the only writer is construction/reconstruction via FromSerialized,
// every other access takes a read guard.
type Context struct {
	mu         sync.RWMutex
	descriptor uuid.UUID
	config     Config
	clientKey  fhesim.ClientKey
	serverKey  fhesim.ServerKey
	capacity   uint64
}

// New generates fresh key material for cfg.
func New(cfg Config) (*Context, error) {
	ck, sk, err := fhesim.GenerateKeys()
	if err != nil {
		return nil, keyGenerationErr(err.Error())
	}
	c := &Context{
		descriptor: uuid.New(),
		config:     cfg,
		clientKey:  ck,
		serverKey:  sk,
		capacity:   capacityForSecurityProfile(cfg.SecurityLevel, cfg.EnableCompression),
	}
	Logger.WithFields(logrus.Fields{
		"descriptor":     c.descriptor,
		"security_level": cfg.SecurityLevel,
		"compression":    cfg.EnableCompression,
		"noise_capacity": c.capacity,
	}).Info("cryptctx: generated context key material")
	return c, nil
}

// BalancedContext is a convenience constructor for the default profile.
func BalancedContext() (*Context, error) {
	return New(DefaultConfig())
}

// WithSecurityLevel generates a context pinned to level with
// compression enabled, matching the external-interfaces default.
func WithSecurityLevel(level SecurityLevel) (*Context, error) {
	return New(Config{SecurityLevel: level, EnableCompression: true})
}

// PtrEq reports whether two context handles refer to the same
// underlying key material. This is the only notion of context
// equality the rest of the module uses; two contexts built from equal
// Config values are still distinct.
func (c *Context) PtrEq(other *Context) bool {
	return c == other
}

// InstallServerKey publishes the evaluation key for use by the
// calling goroutine's next ciphertext operation. The design requires
// this be called before every binary op whose operands may cross a
// context boundary; every exported operation in the types package
// does so on the caller's behalf.
func (c *Context) InstallServerKey() fhesim.ServerKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverKey
}

// ClientKey returns the context's secret key for trusted-side
// operations (decryption, checked/saturating arithmetic). Exported
// only for use by the types package, which gates its own client-key
// operations behind an explicit call site per design note: "checked
// and saturating arithmetic require the client key — by design."
func (c *Context) ClientKey() fhesim.ClientKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientKey
}

// NoiseCapacity returns the capacity figure for this context's
// security profile.
func (c *Context) NoiseCapacity() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// ZeroNoise starts a NoiseState at this context's capacity.
func (c *Context) ZeroNoise() NoiseState {
	return NewNoiseState(c.NoiseCapacity())
}

// SecurityLevel reports the configured profile.
func (c *Context) SecurityLevel() SecurityLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.SecurityLevel
}

// Descriptor returns the context's instance identifier, used only for
// logs/traces/diagnostics — it carries no cryptographic meaning.
func (c *Context) Descriptor() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.descriptor
}

// Diagnostics reports informational, non-load-bearing detail about
// the host's hardware crypto acceleration alongside this context's
// profile. The simulated oracle runs identically regardless of this
// flag; it is surfaced purely for operational visibility, mirroring
// the teacher's hardware.go.
type Diagnostics struct {
	Descriptor    uuid.UUID
	SecurityLevel SecurityLevel
	Compression   bool
	NoiseCapacity uint64
	HardwareAESNI bool
}

func (c *Context) Diagnostics() Diagnostics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Diagnostics{
		Descriptor:    c.descriptor,
		SecurityLevel: c.config.SecurityLevel,
		Compression:   c.config.EnableCompression,
		NoiseCapacity: c.capacity,
		HardwareAESNI: hasAESHardwareSupport(),
	}
}

// EncryptRaw encrypts value at the given bit width under this
// context's keys and returns a freshly-zeroed noise state. Range
// validation for the target width is the caller's responsibility
// (the types package enforces it per wrapper).
func (c *Context) EncryptRaw(value uint64, bits int) (fhesim.Ciphertext, NoiseState) {
	c.mu.RLock()
	ck, sk := c.clientKey, c.serverKey
	c.mu.RUnlock()
	return fhesim.Encrypt(ck, sk, value, bits), c.ZeroNoise()
}

// DecryptRaw recovers the plaintext value behind cipher using this
// context's client key.
func (c *Context) DecryptRaw(cipher fhesim.Ciphertext) (uint64, error) {
	ck := c.ClientKey()
	v, err := fhesim.Decrypt(ck, cipher)
	if err != nil {
		return 0, serializationErr(err.Error())
	}
	return v, nil
}

func hasAESHardwareSupport() bool {
	if cpu.X86.HasAES {
		return true
	}
	if cpu.ARM64.HasAES {
		return true
	}
	return false
}
