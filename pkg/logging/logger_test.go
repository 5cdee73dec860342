package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, false)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	logger.WithField("session_id", "abc").Info("hello")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["session_id"])
	assert.Equal(t, "hello", entry["msg"])
}

func TestInitLoggerDebug(t *testing.T) {
	InitLogger(true)
	require.NotNil(t, Log)
	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())
	_, ok := Log.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}
