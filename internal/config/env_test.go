package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns env value when set", func(t *testing.T) {
		os.Setenv("TEST_VAR", "test_value")
		defer os.Unsetenv("TEST_VAR")

		result := GetEnv("TEST_VAR", "default")
		assert.Equal(t, "test_value", result)
	})

	t.Run("returns default when not set", func(t *testing.T) {
		os.Unsetenv("TEST_VAR_UNSET")

		result := GetEnv("TEST_VAR_UNSET", "default_value")
		assert.Equal(t, "default_value", result)
	})
}

func TestGetEnvInt(t *testing.T) {
	t.Run("returns int value when set", func(t *testing.T) {
		os.Setenv("TEST_INT", "42")
		defer os.Unsetenv("TEST_INT")

		result := GetEnvInt("TEST_INT", 0)
		assert.Equal(t, 42, result)
	})

	t.Run("returns default on invalid int", func(t *testing.T) {
		os.Setenv("TEST_INT_INVALID", "not_a_number")
		defer os.Unsetenv("TEST_INT_INVALID")

		result := GetEnvInt("TEST_INT_INVALID", 100)
		assert.Equal(t, 100, result)
	})

	t.Run("returns default when not set", func(t *testing.T) {
		result := GetEnvInt("TEST_INT_UNSET", 50)
		assert.Equal(t, 50, result)
	})
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"true lowercase", "true", true},
		{"True mixed", "True", true},
		{"TRUE uppercase", "TRUE", true},
		{"1", "1", true},
		{"false lowercase", "false", false},
		{"False mixed", "False", false},
		{"0", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("TEST_BOOL", tt.envValue)
			defer os.Unsetenv("TEST_BOOL")

			result := GetEnvBool("TEST_BOOL", !tt.expected)
			assert.Equal(t, tt.expected, result)
		})
	}

	t.Run("returns default when not set", func(t *testing.T) {
		result := GetEnvBool("TEST_BOOL_UNSET", true)
		assert.True(t, result)
	})
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected time.Duration
	}{
		{"seconds", "30s", 30 * time.Second},
		{"minutes", "5m", 5 * time.Minute},
		{"hours", "2h", 2 * time.Hour},
		{"complex", "1h30m", 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("TEST_DURATION", tt.envValue)
			defer os.Unsetenv("TEST_DURATION")

			result := GetEnvDuration("TEST_DURATION", 0)
			assert.Equal(t, tt.expected, result)
		})
	}

	t.Run("returns default on invalid duration", func(t *testing.T) {
		os.Setenv("TEST_DURATION_INVALID", "not_a_duration")
		defer os.Unsetenv("TEST_DURATION_INVALID")

		result := GetEnvDuration("TEST_DURATION_INVALID", 10*time.Second)
		assert.Equal(t, 10*time.Second, result)
	})
}
