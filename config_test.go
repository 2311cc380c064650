// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		desc  string
		cfg   Config
		valid bool
	}{
		{"minimal", Config{Namespace: "default"}, true},
		{"full", Config{Namespace: "prod", Timeout: time.Second, RetryCountLimit: 4, WorkerCount: 2, StoreAddress: "redis://localhost:6379/1"}, true},
		{"bare host:port", Config{Namespace: "prod", StoreAddress: "10.0.0.1:6380"}, true},
		{"empty namespace", Config{}, false},
		{"blank namespace", Config{Namespace: "   "}, false},
		{"braces in namespace", Config{Namespace: "a{b}"}, false},
		{"negative timeout", Config{Namespace: "ns", Timeout: -time.Second}, false},
		{"negative retry limit", Config{Namespace: "ns", RetryCountLimit: -1}, false},
		{"negative worker count", Config{Namespace: "ns", WorkerCount: -1}, false},
		{"bad address", Config{Namespace: "ns", StoreAddress: "localhost"}, false},
		{"bad url", Config{Namespace: "ns", StoreAddress: "http://localhost:6379"}, false},
		{"negative dead size", Config{Namespace: "ns", DeadMaxSize: -1}, false},
	}

	for _, tc := range tests {
		err := tc.cfg.Validate()
		if tc.valid {
			assert.NoError(t, err, tc.desc)
		} else {
			assert.ErrorIs(t, err, ErrInvalidConfig, tc.desc)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Namespace: "ns"}.withDefaults()

	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.Equal(t, runtime.NumCPU(), cfg.WorkerCount)
	assert.Equal(t, defaultStoreAddress, cfg.StoreAddress)
	assert.Equal(t, 0, cfg.RetryCountLimit)
	assert.False(t, cfg.RepeatOnTimeout)
	assert.Equal(t, InfoLevel, cfg.LogLevel)
	assert.Equal(t, defaultDeadMaxSize, cfg.DeadMaxSize)
	assert.Equal(t, defaultDeadRetention, cfg.DeadRetention)
	assert.NotNil(t, cfg.RetryDelayFunc)
	require.NotNil(t, cfg.BaseContext)
	assert.Equal(t, context.Background(), cfg.BaseContext())

	set := Config{Namespace: "ns", Timeout: time.Second, WorkerCount: 3}.withDefaults()
	assert.Equal(t, time.Second, set.Timeout)
	assert.Equal(t, 3, set.WorkerCount)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ROBIN_TIMEOUT", "5")
	t.Setenv("ROBIN_NAMESPACE", "robin_env")
	t.Setenv("ROBIN_REPEAT_ON_TIMEOUT", "true")
	t.Setenv("ROBIN_RETRY_COUNT_LIMIT", "4")
	t.Setenv("ROBIN_WORKER_COUNT", "2")
	t.Setenv("ROBIN_STORE_ADDRESS", "redis://localhost:6379/2")
	t.Setenv("ROBIN_SHUTDOWN_TIMEOUT", "1m30s")
	t.Setenv("ROBIN_LOG_LEVEL", "debug")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "robin_env", cfg.Namespace)
	assert.True(t, cfg.RepeatOnTimeout)
	assert.Equal(t, 4, cfg.RetryCountLimit)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, "redis://localhost:6379/2", cfg.StoreAddress)
	assert.Equal(t, 90*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, DebugLevel, cfg.LogLevel)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnvWithPrefix("ROBIN_UNSET_TEST_")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, time.Duration(0), cfg.Timeout)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	tests := map[string]string{
		"ROBIN_TIMEOUT":           "soon",
		"ROBIN_RETRY_COUNT_LIMIT": "-1",
		"ROBIN_WORKER_COUNT":      "many",
		"ROBIN_LOG_LEVEL":         "loud",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := ConfigFromEnv()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseStoreAddress(t *testing.T) {
	opt, err := ParseStoreAddress("redis://:secret@localhost:6380/3")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 3, opt.DB)

	opt, err = ParseStoreAddress("127.0.0.1:6379")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", opt.Addr)
	assert.Equal(t, 0, opt.DB)

	_, err = ParseStoreAddress("not an address")
	assert.Error(t, err)
}

func TestLogLevelFlagValue(t *testing.T) {
	var l LogLevel
	assert.Equal(t, "", l.String())

	for _, s := range []string{"debug", "info", "warn", "error", "fatal"} {
		require.NoError(t, l.Set(s))
		assert.Equal(t, s, l.String())
	}
	require.NoError(t, l.Set("WARNING"))
	assert.Equal(t, WarnLevel, l)

	assert.Error(t, l.Set("verbose"))
	assert.Equal(t, "level", l.Type())

	require.NoError(t, l.UnmarshalText([]byte("error")))
	assert.Equal(t, ErrorLevel, l)
}
