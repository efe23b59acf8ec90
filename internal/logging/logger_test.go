package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{Level: "info", Pretty: false})

	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Msg("test message")

	assert.Contains(t, buf.String(), "test message")
}

func TestNew_AllLogLevels(t *testing.T) {
	cases := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logger := New(Config{Level: tc.level})
			require.NotNil(t, logger)
			assert.Equal(t, tc.expected, zerolog.GlobalLevel())
		})
	}
}

func TestNew_DebugLevelEnablesCaller(t *testing.T) {
	logger := New(Config{Level: "debug"})
	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Debug().Msg("debug message")
	assert.Contains(t, buf.String(), "debug message")
	assert.Contains(t, buf.String(), "caller")
}

func TestNew_PrettyOutput(t *testing.T) {
	logger := New(Config{Level: "info", Pretty: true})
	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Msg("pretty message")
	assert.Contains(t, buf.String(), "pretty message")
}
