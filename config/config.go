// Package config provides the optional environment-variable binding
// for host processes that want to configure engine and processor
// options from the environment, without the core depending on any
// configuration-binding framework.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load loads a .env file if present. It never fails when the file is
// absent — environment variables set another way are just as valid.
func Load() error {
	_ = godotenv.Load()
	return nil
}

// GetString returns the environment variable key, or defaultValue if unset.
func GetString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetInt returns the environment variable key parsed as int, or
// defaultValue if unset or unparsable.
func GetInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool returns the environment variable key parsed as bool, or
// defaultValue if unset or unparsable.
func GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration returns the environment variable key parsed with
// time.ParseDuration, or defaultValue if unset or unparsable.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
