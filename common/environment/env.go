// Package environment provides helpers for loading configuration from environment variables.
//
// Two families of helpers are provided. The *Or helpers read a variable and
// return either its parsed value or a default. The Override* helpers write the
// parsed value into an existing field only when the variable is set, which is
// how file-based configuration is layered under the environment.
//
// Required variables return an error rather than calling os.Exit, keeping
// business logic out of library code.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the value of the named environment variable and a boolean
// indicating whether it was set (even if set to the empty string).
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value of the named environment variable or an error
// if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the named environment variable as a boolean. Recognized values
// are the same as strconv.ParseBool. Returns defaultValue if the variable is
// unset, empty, or cannot be parsed.
func BoolOr(name string, defaultValue bool) bool {
	if b, ok := lookupBool(name); ok {
		return b
	}
	return defaultValue
}

// IntOr parses the named environment variable as a decimal integer. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func IntOr(name string, defaultValue int) int {
	if n, ok := lookupInt(name); ok {
		return n
	}
	return defaultValue
}

// Float64Or parses the named environment variable as a float. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func Float64Or(name string, defaultValue float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// DurationOr parses the named environment variable as a time.Duration (e.g.
// "30s", "5m", "1h"). Returns defaultValue if the variable is unset, empty,
// or cannot be parsed.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	if d, ok := lookupDuration(name); ok {
		return d
	}
	return defaultValue
}

// StringSliceOr parses the named environment variable as a comma-separated list
// of strings, trimming whitespace from each element. Returns defaultValue if the
// variable is unset or empty.
func StringSliceOr(name string, defaultValue []string) []string {
	if s, ok := lookupSlice(name); ok {
		return s
	}
	return defaultValue
}

// OverrideString sets *dst to the variable's value when it is set and non-empty.
func OverrideString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// OverrideInt sets *dst when the variable holds a valid integer.
func OverrideInt(name string, dst *int) {
	if n, ok := lookupInt(name); ok {
		*dst = n
	}
}

// OverrideBool sets *dst when the variable holds a valid boolean.
func OverrideBool(name string, dst *bool) {
	if b, ok := lookupBool(name); ok {
		*dst = b
	}
}

// OverrideDuration sets *dst when the variable holds a valid duration.
func OverrideDuration(name string, dst *time.Duration) {
	if d, ok := lookupDuration(name); ok {
		*dst = d
	}
}

// OverrideStringSlice sets *dst when the variable holds at least one element.
func OverrideStringSlice(name string, dst *[]string) {
	if s, ok := lookupSlice(name); ok {
		*dst = s
	}
}

func lookupInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func lookupSlice(name string) ([]string, bool) {
	v := os.Getenv(name)
	if v == "" {
		return nil, false
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}
