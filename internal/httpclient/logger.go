package httpclient

import (
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// NewLeveledLogger adapts a zerolog logger to retryablehttp.LeveledLogger.
func NewLeveledLogger(log *zerolog.Logger) retryablehttp.LeveledLogger {
	return &leveledLogger{log: log}
}

type leveledLogger struct {
	log *zerolog.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}
