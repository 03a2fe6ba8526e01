package eventbox

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// ErrNotPointer is returned by SetConfigFromEnvVars when the target is not
// a pointer to a struct.
var ErrNotPointer = errors.New("config target must be a pointer to a struct")

// GetenvOrDefault returns the trimmed value of the environment variable, or
// defaultValue when the variable is unset, empty or whitespace-only.
func GetenvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	return defaultValue
}

// GetenvBoolOrDefault returns the environment variable parsed as a bool, or
// defaultValue when the variable is unset or not parseable.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetenvIntOrDefault returns the environment variable parsed as an int64,
// or defaultValue when the variable is unset or not parseable.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// SetConfigFromEnvVars populates the struct pointed to by target from the
// environment, using each field's `env` tag as the variable name. Supported
// field kinds are string, bool and the signed integer kinds. Fields without
// an `env` tag and variables that are unset keep their zero value.
func SetConfigFromEnvVars(target any) error {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Ptr || value.IsNil() || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: got %T", ErrNotPointer, target)
	}

	structValue := value.Elem()
	structType := structValue.Type()

	for i := 0; i < structValue.NumField(); i++ {
		field := structValue.Field(i)
		if !field.CanSet() {
			continue
		}

		key := structType.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}

		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Bool:
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("parsing %s as bool: %w", key, err)
			}

			field.SetBool(parsed)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing %s as int: %w", key, err)
			}

			field.SetInt(parsed)
		default:
			return fmt.Errorf("unsupported config field kind %s for %s", field.Kind(), key)
		}
	}

	return nil
}

type localEnv struct {
	Version     string
	Environment string
}

var (
	localEnvConfig     *localEnv
	localEnvConfigOnce sync.Once
)

// InitLocalEnvConfig prints the process version and environment name once.
// Intended for local development entrypoints where no structured logger is
// configured yet.
func InitLocalEnvConfig() *localEnv {
	localEnvConfigOnce.Do(func() {
		localEnvConfig = &localEnv{
			Version:     GetenvOrDefault("VERSION", "NO-VERSION"),
			Environment: GetenvOrDefault("ENV_NAME", "development"),
		}

		fmt.Printf("VERSION: %s\n\n", localEnvConfig.Version)
		fmt.Printf("ENVIRONMENT NAME: %s\n\n", localEnvConfig.Environment)
	})

	return localEnvConfig
}
