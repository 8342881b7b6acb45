package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		wantJSON bool
	}{
		{name: "text", opts: Options{Level: slog.LevelInfo}},
		{name: "json", opts: Options{Level: slog.LevelInfo, JSON: true}, wantJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			var buf bytes.Buffer
			logger := New(&buf, tt.opts)

			// Act
			logger.Debug("hidden")
			logger.Warn("Network still in use", "network", "A")

			// Assert
			out := buf.String()
			assert.NotContains(t, out, "hidden", "records below the level are dropped")
			if tt.wantJSON {
				var rec map[string]any
				require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
				assert.Equal(t, "WARN", rec["level"])
				assert.Equal(t, "A", rec["network"])
				return
			}
			assert.Contains(t, out, "level=WARN")
			assert.Contains(t, out, "network=A")
		})
	}
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(t.Context(), slog.LevelError))
}
