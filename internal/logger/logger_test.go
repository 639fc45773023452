package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ruralpay/equb/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.LogConfig
		level zapcore.Level
	}{
		{"debug json", config.LogConfig{Level: "DEBUG", Encoding: "json"}, zapcore.DebugLevel},
		{"console warn", config.LogConfig{Level: "warn", Encoding: "console"}, zapcore.WarnLevel},
		{"unknown level falls back to info", config.LogConfig{Level: "loud", Encoding: "xml"}, zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.cfg)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.level-1))
			}
		})
	}
}
