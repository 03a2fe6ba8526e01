package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox"
)

// ErrRequiredEnv is returned by Required for unset or blank variables.
var ErrRequiredEnv = errors.New("required environment variable is not set")

// String returns the trimmed value of the environment variable, or fallback
// when the variable is unset or blank.
func String(key, fallback string) string {
	return eventbox.GetenvOrDefault(key, fallback)
}

// Int returns the environment variable parsed as an int64, or fallback when
// the variable is unset or not parseable.
func Int(key string, fallback int64) int64 {
	return eventbox.GetenvIntOrDefault(key, fallback)
}

// Bool returns the environment variable parsed as a bool, or fallback when
// the variable is unset or not parseable.
func Bool(key string, fallback bool) bool {
	return eventbox.GetenvBoolOrDefault(key, fallback)
}

// Duration returns the environment variable parsed with time.ParseDuration
// ("500ms", "5s", "2m"), or fallback when the variable is unset or not
// parseable.
func Duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return parsed
}

// Required returns the trimmed value of the environment variable, or
// ErrRequiredEnv naming the variable when it is unset or blank.
func Required(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrRequiredEnv, key)
	}

	return value, nil
}
