package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBudget(t *testing.T) {
	g := New(Config{
		Injects: ClassConfig{Window: time.Minute, MaxRequests: 3, BlockDuration: time.Minute},
	})

	for i := 0; i < 3; i++ {
		assert.True(t, g.Allow("peer1", ClassInjects))
	}
}

func TestAllowBlocksAfterExceedingBudget(t *testing.T) {
	g := New(Config{
		Injects: ClassConfig{Window: time.Minute, MaxRequests: 2, BlockDuration: time.Hour},
	})

	assert.True(t, g.Allow("peer1", ClassInjects))
	assert.True(t, g.Allow("peer1", ClassInjects))
	assert.False(t, g.Allow("peer1", ClassInjects))
	// Still blocked on a subsequent call, because the block set by the
	// previous call lasts for BlockDuration.
	assert.False(t, g.Allow("peer1", ClassInjects))
}

func TestAllowIsScopedPerClassAndPeer(t *testing.T) {
	g := New(DefaultConfig())

	assert.True(t, g.Allow("peer1", ClassInjects))
	assert.True(t, g.Allow("peer1", ClassClaims))
	assert.True(t, g.Allow("peer2", ClassInjects))
}

func TestResetClearsBlock(t *testing.T) {
	g := New(Config{
		Injects: ClassConfig{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
	})

	assert.True(t, g.Allow("peer1", ClassInjects))
	assert.False(t, g.Allow("peer1", ClassInjects))

	g.Reset("peer1")
	assert.True(t, g.Allow("peer1", ClassInjects))
}

func TestLoadConfigOverridesOnlySpecifiedClasses(t *testing.T) {
	cfg, err := LoadConfig([]byte(`
injects:
  window: 2s
  max_requests: 1
  block_duration: 10s
`))
	assert.NoError(t, err)
	assert.Equal(t, 1, cfg.Injects.MaxRequests)
	assert.Equal(t, 2*time.Second, cfg.Injects.Window)
	// Unspecified classes keep DefaultConfig's values.
	assert.Equal(t, DefaultConfig().Claims, cfg.Claims)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	_, err := LoadConfig([]byte("not: [valid"))
	assert.Error(t, err)
}
