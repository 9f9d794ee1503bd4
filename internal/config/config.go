// Package config loads the module's tunables from the environment, matching
// the teacher's env-var config pattern but sized for an embedded engine
// rather than a network service.
package config

import (
	"os"
	"strconv"
	"time"

	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/errs"
)

// Config is the engine's runtime tunables.
type Config struct {
	AppName     string
	Environment string

	MaxSkippedPerChain int
	MaxForwardGap       int

	TamperThreshold   int
	TamperWindow      time.Duration

	Argon2 cryptoprim.Argon2Params

	StateDir string

	LogLevel string
}

// Load reads every tunable from the environment, falling back to the
// spec-mandated defaults for anything unset.
func Load() (Config, error) {
	c := Config{
		AppName:             getenv("ECLIPTIX_APP_NAME", "ecliptix"),
		Environment:         getenv("ECLIPTIX_ENV", "dev"),
		MaxSkippedPerChain:  getenvInt("ECLIPTIX_MAX_SKIPPED_PER_CHAIN", 1024),
		MaxForwardGap:       getenvInt("ECLIPTIX_MAX_FORWARD_GAP", 2000),
		TamperThreshold:     getenvInt("ECLIPTIX_TAMPER_THRESHOLD", 3),
		TamperWindow:        getenvDuration("ECLIPTIX_TAMPER_WINDOW", 10*time.Minute),
		StateDir:            getenv("ECLIPTIX_STATE_DIR", defaultStateDir()),
		LogLevel:            getenv("ECLIPTIX_LOG_LEVEL", "info"),
		Argon2: cryptoprim.Argon2Params{
			Iterations:  uint32(getenvInt("ECLIPTIX_ARGON2_ITERATIONS", 4)),
			MemoryKiB:   uint32(getenvInt("ECLIPTIX_ARGON2_MEMORY_KIB", 65536)),
			Parallelism: uint8(getenvInt("ECLIPTIX_ARGON2_PARALLELISM", 2)),
		},
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations that would silently weaken the protocol's
// bounds rather than clamping them.
func (c Config) Validate() error {
	if c.MaxSkippedPerChain <= 0 {
		return errs.InvalidInput("config: max skipped per chain must be positive")
	}
	if c.MaxForwardGap <= 0 {
		return errs.InvalidInput("config: max forward gap must be positive")
	}
	if c.TamperThreshold <= 0 {
		return errs.InvalidInput("config: tamper threshold must be positive")
	}
	if err := c.Argon2.Validate(); err != nil {
		return err
	}
	return nil
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir + string(os.PathSeparator) + "ecliptix"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
