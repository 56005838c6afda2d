// Package debug gates the verbose diagnostic logging the oblivious
// allocator packages emit around tier layout and constant-time scans
// (router.New, router.Free) — never the ciphertext values themselves,
// only plaintext shape (tier counts, scan widths).
package debug

import (
	"log"
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Read the environment once at package load so debug tracing works
	// without any explicit initialization call.
	InitFromEnv()
}

// Enabled returns whether oblivious-scan tracing is on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled turns oblivious-scan tracing on or off.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv enables tracing from CRYPTMALLOC_DEBUG=true, falling back
// to CRYPTMALLOC_LOG_LEVEL=debug.
func InitFromEnv() {
	if os.Getenv("CRYPTMALLOC_DEBUG") == "true" {
		SetEnabled(true)
		return
	}
	if os.Getenv("CRYPTMALLOC_LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel enables tracing from a log-level string, but only
// when neither environment variable above is already set.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("CRYPTMALLOC_DEBUG") == "" && os.Getenv("CRYPTMALLOC_LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}

// Tracef logs a diagnostic line when tracing is enabled, else it is a
// no-op. Callers must only pass plaintext shape (tier sizes, block
// counts, scan widths) — never ciphertext material or anything
// decrypted from it, since these lines are meant to stay safe to leave
// on in a development build.
func Tracef(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	log.Printf(format, args...)
}
