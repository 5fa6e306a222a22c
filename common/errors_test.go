package common

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := Configuration("tlsctx.Compile(client)", "cannot load identity", os.ErrNotExist)

	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "tlsctx.Compile(client): ConfigurationError: cannot load identity: file does not exist", err.Error())

	wrapped := fmt.Errorf("setup: %w", err)
	assert.ErrorIs(t, wrapped, ErrConfiguration)
	assert.Equal(t, KindConfiguration, KindOf(wrapped))
	assert.Zero(t, KindOf(errors.New("plain")))
}

func TestNestedKinds(t *testing.T) {
	err := Configuration("op", "alpn", PlatformUnsupported("backend", "no alpn"))
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, ErrPlatformUnsupported)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestErrorMatchesBareKindTemplate(t *testing.T) {
	err := InvalidState("elg.Acquire", "destroyed")
	assert.True(t, errors.Is(err, &Error{Kind: KindInvalidState}))
	assert.False(t, errors.Is(err, &Error{Kind: KindResourceExhaustion}))
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "warning", "error"} {
		_, err := ParseLogLevel(level)
		assert.NoError(t, err, level)
	}
	_, err := ParseLogLevel("verbose")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestToZapLevel(t *testing.T) {
	tests := []struct {
		level logger.LogLevel
		want  zapcore.Level
	}{
		{logger.DEBUG, zapcore.DebugLevel},
		{logger.INFO, zapcore.InfoLevel},
		{logger.WARNING, zapcore.WarnLevel},
		{logger.ERROR, zapcore.ErrorLevel},
		{logger.CRITICAL, zapcore.PanicLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toZapLevel(tt.level), "level %d", tt.level)
	}
}
