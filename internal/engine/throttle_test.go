package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultwatch/depositmon/pkg/config"
)

func testCfg() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = 30 * time.Millisecond
	cfg.ErrorsPerMinuteCap = 5
	cfg.ModerateErrorsPerMin = 1
	cfg.AggressiveErrorsPerMin = 3
	return cfg
}

func TestThrottle_PolicyEscalatesWithRateLimitVolume(t *testing.T) {
	cfg := testCfg()
	// Keep the consecutive-failure breaker out of the way: at threshold 3 it
	// would reject the 4th Guard call before that call could record a rate
	// limit, and the aggressive tier needs 4 events in the window.
	cfg.BreakerThreshold = 10
	th := NewThrottle("test", cfg)
	p := th.Policy()
	assert.Equal(t, th.cfg.ConcurrentBlocks, p.ConcurrentBlocks)

	for i := 0; i < 2; i++ {
		_ = th.Guard(func() error { return errors.New("429 too many requests") })
	}
	p = th.Policy()
	assert.Equal(t, th.cfg.ConcurrentBlocks, p.ConcurrentBlocks)
	assert.Equal(t, th.cfg.ModeratePause, p.BatchPause)

	for i := 0; i < 2; i++ {
		_ = th.Guard(func() error { return errors.New("429 too many requests") })
	}
	p = th.Policy()
	assert.Equal(t, 1, p.ConcurrentBlocks)
	assert.Equal(t, th.cfg.AggressivePause, p.BatchPause)
}

func TestThrottle_BreakerOpensOnConsecutiveRateLimits(t *testing.T) {
	th := NewThrottle("test", testCfg())
	require.False(t, th.BreakerOpen())

	for i := 0; i < 3; i++ {
		_ = th.Guard(func() error { return errors.New("429 too many requests") })
	}
	assert.True(t, th.BreakerOpen())
}

func TestThrottle_NonRateLimitErrorsDoNotTripBreaker(t *testing.T) {
	th := NewThrottle("test", testCfg())
	for i := 0; i < 10; i++ {
		_ = th.Guard(func() error { return errors.New("block not found") })
	}
	assert.False(t, th.BreakerOpen())
}

func TestThrottle_SuccessDecrementsConsecutiveCount(t *testing.T) {
	th := NewThrottle("test", testCfg())
	_ = th.Guard(func() error { return errors.New("429 too many requests") })
	_ = th.Guard(func() error { return errors.New("429 too many requests") })
	assert.Equal(t, 2, th.ConsecutiveRateLimitErrors())

	_ = th.Guard(func() error { return nil })
	assert.Equal(t, 1, th.ConsecutiveRateLimitErrors())
}

func TestThrottle_BreakerQuiescenceNoCallWhileOpen(t *testing.T) {
	th := NewThrottle("test", testCfg())
	for i := 0; i < 3; i++ {
		_ = th.Guard(func() error { return errors.New("429 too many requests") })
	}
	require.True(t, th.BreakerOpen())

	calls := 0
	if !th.BreakerOpen() {
		_ = th.Guard(func() error { calls++; return nil })
	}
	assert.Equal(t, 0, calls, "no RPC attempt should be issued while the breaker reports open")
}
