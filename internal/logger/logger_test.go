package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestAppLoggerLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := NewAppLogger(&Config{LogLevel: tt.level})
			assert.Equal(t, tt.want, l.level())
		})
	}
}

func TestAppLoggerWith(t *testing.T) {
	l := NewAppLogger(&Config{DevMode: true, Encoder: "json"})
	l.InitLogger()

	child := l.With(zap.String("run_id", "abc"))
	assert.NotNil(t, child.Logger())
	assert.NotSame(t, l.Logger(), child.Logger())
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Warnf("discarded %d", 1)
	assert.NotNil(t, l.Logger())
}
