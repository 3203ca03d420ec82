package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("debug", "json", &buf)

	log.WithFields(logrus.Fields{"user_id": "u1", "alert": true}).Error("reversal failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reversal failed", entry["msg"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, true, entry["alert"])
	assert.NotEmpty(t, entry["time"])
}

func TestNew_Levels(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewWithOutput("debug", "", &bytes.Buffer{}).GetLevel())
	assert.Equal(t, logrus.WarnLevel, NewWithOutput(" WARN ", "", &bytes.Buffer{}).GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewWithOutput("chatty", "", &bytes.Buffer{}).GetLevel())
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("info", "text", &buf)
	log.Info("hello")

	assert.Contains(t, buf.String(), `msg=hello`)
}
