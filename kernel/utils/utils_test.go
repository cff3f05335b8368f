package utils

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_FieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: INFO, Component: "store", Output: &buf})

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.With(String("run", "abc")).Info("loaded", Int("count", 3))
	line := buf.String()
	assert.Contains(t, line, "[INFO ]")
	assert.Contains(t, line, "[store]")
	assert.Contains(t, line, `run="abc" count=3`)
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: DEBUG, Component: "engine", Output: &buf})
	logger.Named("matching").Debug("paired")
	assert.Contains(t, buf.String(), "[engine.matching]")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WARN, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestWrapError(t *testing.T) {
	base := errors.New("boom")
	err := WrapError(base, "load module")
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "load module: boom", err.Error())
}

func TestIgnoreCancel(t *testing.T) {
	assert.NoError(t, IgnoreCancel(context.Canceled))
	assert.NoError(t, IgnoreCancel(WrapError(context.DeadlineExceeded, "get token")))
	assert.NoError(t, IgnoreCancel(nil))

	base := errors.New("boom")
	assert.ErrorIs(t, IgnoreCancel(base), base)
}

func TestRecoverAsError(t *testing.T) {
	assert.NoError(t, RecoverAsError("matching", nil))

	err := RecoverAsError("matching", "index out of range")
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "matching", perr.Worker)
	assert.NotEmpty(t, perr.Stack)
}

func TestThrottle_SuppressesBursts(t *testing.T) {
	throttle, err := NewThrottle(ThrottleConfig{PerSecond: 1, Burst: 2})
	require.NoError(t, err)

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := throttle.Allow("drop"); ok {
			allowed++
		}
	}
	assert.Less(t, allowed, 10)
	assert.GreaterOrEqual(t, allowed, 1)

	// Keys are independent
	ok, dropped := throttle.Allow("other")
	assert.True(t, ok)
	assert.Zero(t, dropped)
}

func TestThrottle_NilAllowsEverything(t *testing.T) {
	var throttle *Throttle
	ok, _ := throttle.Allow("anything")
	assert.True(t, ok)
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestGracefulShutdown_RunsEveryCloserOnce(t *testing.T) {
	g := NewGracefulShutdown(time.Second, NopLogger())
	var ran atomic.Int32
	boom := errors.New("boom")
	g.Register("files", func() error { ran.Add(1); return nil })
	g.Register("console", func() error { ran.Add(1); return boom })

	err := g.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "console")
	assert.Equal(t, int32(2), ran.Load())

	// Closers are consumed by the first shutdown
	assert.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, int32(2), ran.Load())
}

func TestGracefulShutdown_TimesOut(t *testing.T) {
	g := NewGracefulShutdown(10*time.Millisecond, NopLogger())
	release := make(chan struct{})
	defer close(release)
	g.Register("stuck", func() error { <-release; return nil })

	assert.ErrorIs(t, g.Shutdown(context.Background()), ErrShutdownTimeout)
}
