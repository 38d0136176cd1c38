package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mobedge/internal/config"
)

func rateConfig(rps, burst int) config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: rps,
		Burst:             burst,
		Sensitive: config.SensitiveRateConfig{
			RequestsPerSecond: rps,
			Burst:             burst,
		},
		ClientTTL: config.Duration(time.Minute),
	}
}

func connConfig(maxPerClient int) config.ConnectionLimitConfig {
	return config.ConnectionLimitConfig{
		Enabled:      true,
		MaxPerClient: maxPerClient,
	}
}

func TestControllerAdmitBurst(t *testing.T) {
	t.Parallel()

	ctrl := NewController(rateConfig(1, 3), config.ConnectionLimitConfig{})
	defer ctrl.Close()

	for i := 0; i < 3; i++ {
		d := ctrl.Admit("10.0.0.1", false)
		assert.True(t, d.Allowed, "request %d within burst should be admitted", i)
	}

	d := ctrl.Admit("10.0.0.1", false)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0),
		"denied request must carry a retry hint")
}

func TestControllerAdmitDisabled(t *testing.T) {
	t.Parallel()

	cfg := rateConfig(1, 1)
	cfg.Enabled = false

	ctrl := NewController(cfg, config.ConnectionLimitConfig{})
	defer ctrl.Close()

	for i := 0; i < 100; i++ {
		assert.True(t, ctrl.Admit("10.0.0.1", false).Allowed)
	}
}

func TestControllerAdmitPerClientIsolation(t *testing.T) {
	t.Parallel()

	ctrl := NewController(rateConfig(1, 1), config.ConnectionLimitConfig{})
	defer ctrl.Close()

	require.True(t, ctrl.Admit("10.0.0.1", false).Allowed)
	require.False(t, ctrl.Admit("10.0.0.1", false).Allowed)

	// A different client has its own bucket.
	assert.True(t, ctrl.Admit("10.0.0.2", false).Allowed)
}

func TestControllerSensitiveBucketIsStricter(t *testing.T) {
	t.Parallel()

	cfg := rateConfig(100, 100)
	cfg.Sensitive.RequestsPerSecond = 1
	cfg.Sensitive.Burst = 2

	ctrl := NewController(cfg, config.ConnectionLimitConfig{})
	defer ctrl.Close()

	require.True(t, ctrl.Admit("10.0.0.1", true).Allowed)
	require.True(t, ctrl.Admit("10.0.0.1", true).Allowed)

	d := ctrl.Admit("10.0.0.1", true)
	assert.False(t, d.Allowed,
		"sensitive bucket must deny even while the standard bucket has tokens")

	// Non-sensitive requests still draw only from the standard bucket.
	assert.True(t, ctrl.Admit("10.0.0.1", false).Allowed)
}

func TestControllerConnectionLimit(t *testing.T) {
	t.Parallel()

	ctrl := NewController(config.RateLimitConfig{}, connConfig(2))
	defer ctrl.Close()

	require.True(t, ctrl.AcquireConn("10.0.0.1"))
	require.True(t, ctrl.AcquireConn("10.0.0.1"))
	assert.False(t, ctrl.AcquireConn("10.0.0.1"))

	// Other clients are unaffected.
	assert.True(t, ctrl.AcquireConn("10.0.0.2"))

	ctrl.ReleaseConn("10.0.0.1")
	assert.True(t, ctrl.AcquireConn("10.0.0.1"))
}

func TestControllerReleaseConnNeverUnderflows(t *testing.T) {
	t.Parallel()

	ctrl := NewController(config.RateLimitConfig{}, connConfig(1))
	defer ctrl.Close()

	ctrl.ReleaseConn("10.0.0.1")
	ctrl.ReleaseConn("10.0.0.1")

	assert.Equal(t, 0, ctrl.Connections("10.0.0.1"))
	assert.True(t, ctrl.AcquireConn("10.0.0.1"))
	assert.Equal(t, 1, ctrl.Connections("10.0.0.1"))
}

func TestControllerUpdateLimits(t *testing.T) {
	t.Parallel()

	ctrl := NewController(rateConfig(1, 1), connConfig(1))
	defer ctrl.Close()

	require.True(t, ctrl.AcquireConn("10.0.0.1"))
	require.False(t, ctrl.AcquireConn("10.0.0.1"))

	ctrl.UpdateLimits(rateConfig(1, 5), connConfig(3))

	// The raised connection ceiling applies immediately.
	assert.True(t, ctrl.AcquireConn("10.0.0.1"))

	// New clients get buckets sized by the new limits.
	for i := 0; i < 5; i++ {
		assert.True(t, ctrl.Admit("10.0.0.9", false).Allowed)
	}
	assert.False(t, ctrl.Admit("10.0.0.9", false).Allowed)
}

func TestControllerSweepRemovesIdleClients(t *testing.T) {
	t.Parallel()

	ctrl := NewController(rateConfig(10, 10), connConfig(5))
	defer ctrl.Close()
	ctrl.clientTTL = 10 * time.Millisecond

	ctrl.Admit("10.0.0.1", false)
	require.True(t, ctrl.AcquireConn("10.0.0.2"))

	time.Sleep(30 * time.Millisecond)
	ctrl.sweep()

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	_, idleExists := ctrl.clients["10.0.0.1"]
	_, busyExists := ctrl.clients["10.0.0.2"]
	assert.False(t, idleExists, "idle client should be swept")
	assert.True(t, busyExists, "client with a live connection must survive the sweep")
}

func TestControllerCloseIdempotent(t *testing.T) {
	t.Parallel()

	ctrl := NewController(rateConfig(1, 1), config.ConnectionLimitConfig{})
	assert.NoError(t, ctrl.Close())
	assert.NoError(t, ctrl.Close())
}
