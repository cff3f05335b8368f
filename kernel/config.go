package kernel

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/threads/matching"
	"github.com/nmxmxh/tokenflow/kernel/threads/processing"
	"github.com/nmxmxh/tokenflow/kernel/threads/store"
	"github.com/nmxmxh/tokenflow/kernel/utils"
)

// Config holds engine configuration
type Config struct {
	MatchingTableSize int
	QueueCapacity     int

	// Trust-boundary verification of results from untrusted addresses
	TrapEnabled  bool
	TrapBoundary uint32

	// ModuleDir resolves dynamic load names; WorkDir resolves I/O file
	// names. Empty means the process working directory.
	ModuleDir string
	WorkDir   string

	AllowOpcodePatch bool
	BreakerFailures  uint32
	BreakerCooldown  time.Duration
	Throttle         utils.ThrottleConfig

	// ShutdownTimeout bounds the release of program resources after the
	// workers stop
	ShutdownTimeout time.Duration

	LogLevel  utils.LogLevel
	LogOutput io.Writer
	Colorize  bool

	// Console receives program output and directory listings
	Console io.Writer
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	storeDefaults := store.DefaultConfig()
	return &Config{
		MatchingTableSize: matching.DefaultTableSize,
		QueueCapacity:     foundation.DefaultQueueCapacity,
		TrapEnabled:       false,
		TrapBoundary:      processing.DefaultTrustBoundary,
		AllowOpcodePatch:  storeDefaults.AllowOpcodePatch,
		BreakerFailures:   storeDefaults.BreakerFailures,
		BreakerCooldown:   storeDefaults.BreakerCooldown,
		Throttle:          storeDefaults.Throttle,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          utils.INFO,
		LogOutput:         os.Stderr,
		Colorize:          false,
		Console:           os.Stdout,
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.MatchingTableSize <= 0 {
		return fmt.Errorf("matching table size must be positive, got %d", c.MatchingTableSize)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.TrapEnabled && c.TrapBoundary <= processing.ProbeCorrelation {
		return fmt.Errorf("trap boundary %d would trap the verifier itself", c.TrapBoundary)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.Throttle.PerSecond <= 0 || c.Throttle.Burst <= 0 {
		return fmt.Errorf("diagnostic throttle needs a positive rate and burst")
	}
	return nil
}

func (c *Config) storeConfig() store.Config {
	return store.Config{
		ModuleDir:        c.ModuleDir,
		AllowOpcodePatch: c.AllowOpcodePatch,
		BreakerFailures:  c.BreakerFailures,
		BreakerCooldown:  c.BreakerCooldown,
		Throttle:         c.Throttle,
	}
}
