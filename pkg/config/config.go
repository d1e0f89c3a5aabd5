// Package config loads mount-time configuration from the environment.
//
// All knobs are JUNK_* environment variables so a mount can be tuned
// without command-line churn. Parsing goes through viper so boolean
// spellings like "1", "true" and "TRUE" are all accepted.
package config

import (
	"github.com/spf13/viper"
)

// Config holds every runtime switch the filesystem engine consumes.
type Config struct {
	// LogLevel is the minimum log level (DEBUG, INFO, WARN, ERROR).
	LogLevel string

	// LogFile receives log output; empty means stderr.
	LogFile string

	// DisableWritebackCache turns off the kernel writeback cache
	// negotiated at mount time.
	DisableWritebackCache bool

	// EnableInoReuse allows freed inode numbers to be handed out again.
	EnableInoReuse bool

	// StrictInvariant enables runtime invariant assertions. Violations
	// are fatal.
	StrictInvariant bool

	// VerifyFlush re-reads flushed extents from the data file and logs
	// any mismatch. Debug facility, slow.
	VerifyFlush bool

	// MetricsAddr, when non-empty, serves Prometheus metrics on the
	// given listen address.
	MetricsAddr string

	// MemPoolSize is the total size of the writeback page pool in bytes.
	MemPoolSize int64
}

const (
	// DefaultMemPoolSize bounds dirty data held in memory across all
	// open handles.
	DefaultMemPoolSize = 256 << 20
)

// Load reads the JUNK_* environment and returns the resulting Config.
func Load() *Config {
	v := viper.New()

	v.SetEnvPrefix("JUNK")
	v.SetDefault("LEVEL", "ERROR")
	v.SetDefault("LOG_FILE", "/tmp/junkfs.log")
	v.SetDefault("DISABLE_WBC", false)
	v.SetDefault("ENABLE_INO_REUSE", true)
	v.SetDefault("STRICT_INVARIANT", false)
	v.SetDefault("VERIFY_FLUSH", false)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("MEMPOOL_SIZE", int64(DefaultMemPoolSize))

	for _, key := range []string{
		"LEVEL", "LOG_FILE", "DISABLE_WBC", "ENABLE_INO_REUSE",
		"STRICT_INVARIANT", "VERIFY_FLUSH", "METRICS_ADDR", "MEMPOOL_SIZE",
	} {
		_ = v.BindEnv(key)
	}

	return &Config{
		LogLevel:              v.GetString("LEVEL"),
		LogFile:               v.GetString("LOG_FILE"),
		DisableWritebackCache: v.GetBool("DISABLE_WBC"),
		EnableInoReuse:        v.GetBool("ENABLE_INO_REUSE"),
		StrictInvariant:       v.GetBool("STRICT_INVARIANT"),
		VerifyFlush:           v.GetBool("VERIFY_FLUSH"),
		MetricsAddr:           v.GetString("METRICS_ADDR"),
		MemPoolSize:           v.GetInt64("MEMPOOL_SIZE"),
	}
}
