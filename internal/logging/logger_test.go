package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "empty is valid", config: Config{}},
		{name: "json info", config: Config{Level: "info", Format: "json"}},
		{name: "console debug", config: Config{Level: "debug", Format: "console"}},
		{name: "bad level", config: Config{Level: "verbose"}, wantErr: true},
		{name: "bad format", config: Config{Format: "logfmt"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:  "debug",
		Format: "console",
		Fields: map[string]string{"service": "assistd"},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_DefaultLevel(t *testing.T) {
	logger, err := NewLogger(&Config{})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
