package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: WarnLevel, Format: TextFormat, Output: &buf})

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept too")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "kept too")
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"debug": DebugLevel, "INFO": InfoLevel, "Warning": WarnLevel, "error": ErrorLevel,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := ParseLevel("shout")
	assert.Error(t, err)
	assert.Equal(t, InfoLevel, got)
}

func TestSecretFieldsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})

	logger.Info("download authorized", map[string]interface{}{
		"password":  "hunter2",
		"key":       "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA.",
		"upload_id": "abc123",
	})

	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "[REDACTED]", entry.Fields["password"])
	assert.Equal(t, "[REDACTED]", entry.Fields["key"])
	assert.Equal(t, "abc123", entry.Fields["upload_id"])
}

func TestInlineSecretsAreScrubbed(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: InfoLevel, Format: TextFormat, Output: &buf})

	logger.Info("rejected request with password=hunter2 from peer")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[REDACTED]")
}

func TestComponentTagging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: &buf}).WithComponent("cleanup")

	logger.Info("pass finished")

	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cleanup", entry.Fields["component"])
}

func TestFieldLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})

	logger.WithField("upload_id", "xyz").WithField("peer", "10.0.0.1").Info("upload started")

	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "xyz", entry.Fields["upload_id"])
	assert.Equal(t, "10.0.0.1", entry.Fields["peer"])
}
