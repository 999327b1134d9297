package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "info", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("json", "info", &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("cache index loaded", "items", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache index loaded", line["msg"])
	assert.Equal(t, float64(3), line["items"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_TextWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("text", "debug", &buf)
	require.NoError(t, err)

	logger.Debug("page rendered", "page", 2)
	out := buf.String()
	assert.Contains(t, out, "page rendered")
	assert.Contains(t, out, "page=2")
	assert.NotContains(t, out, "\033[", "no color codes outside a terminal")
}

func TestNew_AutoFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("", "", &buf)
	require.NoError(t, err)
	logger.Info("hello")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("xml", "info", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("json", "loud", &bytes.Buffer{})
	assert.Error(t, err)
}
