package cryptctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, Balanced, cfg.SecurityLevel)
	assert.True(t, cfg.EnableCompression)
}

func TestSecurityLevelString(t *testing.T) {
	assert.Equal(t, "performance", Performance.String())
	assert.Equal(t, "balanced", Balanced.String())
	assert.Equal(t, "secure", Secure.String())
	assert.Equal(t, "unknown", SecurityLevel(99).String())
}

func TestCapacityForSecurityProfile(t *testing.T) {
	tests := []struct {
		level       SecurityLevel
		compression bool
		want        uint64
	}{
		{Performance, false, 48},
		{Performance, true, 48},
		{Balanced, false, 80},
		{Balanced, true, 96},
		{Secure, false, 128},
		{Secure, true, 160},
	}
	for _, tt := range tests {
		got := capacityForSecurityProfile(tt.level, tt.compression)
		assert.Equal(t, tt.want, got)
	}
}
