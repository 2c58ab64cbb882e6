package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json", "callgate", "1.0.0")
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"service":"callgate"`)
	assert.Contains(t, out, `"version":"1.0.0"`)
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "console", "callgate", "dev")
	require.NoError(t, err)

	logger.Debug().Msg("hello")
	assert.False(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), "hello")
}

func TestNewEmptyLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "", "json", "callgate", "dev")
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}

func TestNewBadLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", "json", "callgate", "dev")
	assert.Error(t, err)
}
