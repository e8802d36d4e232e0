package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

const LoggerKey contextKey = "logger"

// Options configure the process logger.
type Options struct {
	// Level is a zerolog level name or one of the DEBUG/INFO modes.
	Level string
	// JSON writes one JSON object per line instead of console output.
	JSON bool
	// NoColor disables ANSI colours in console output.
	NoColor bool
	// Out defaults to stderr.
	Out io.Writer
}

// InitLogger builds the process logger and stores it in the returned context.
func InitLogger(ctx context.Context, opts Options) (context.Context, *zerolog.Logger) {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		opts.NoColor = true
	}
	log := NewLogger(opts)
	return WithLogger(ctx, log), log
}

var levelColors = map[string]int{
	zerolog.LevelTraceValue: 90,
	zerolog.LevelDebugValue: 36,
	zerolog.LevelInfoValue:  34,
	zerolog.LevelWarnValue:  33,
	zerolog.LevelErrorValue: 31,
	zerolog.LevelFatalValue: 35,
	zerolog.LevelPanicValue: 41,
}

// NewLogger creates a zerolog logger from opts.
func NewLogger(opts Options) *zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(opts.Level)

	if opts.JSON {
		l := zerolog.New(out).Level(level).With().Timestamp().Logger()
		return &l
	}

	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05", NoColor: opts.NoColor}
	cw.FormatLevel = func(i interface{}) string {
		name, ok := i.(string)
		if !ok {
			return "| ??? |"
		}
		color, known := levelColors[name]
		if opts.NoColor || !known {
			return fmt.Sprintf("| %-5s |", name)
		}
		return fmt.Sprintf("| \x1b[%dm%-5s\x1b[0m |", color, name)
	}

	l := zerolog.New(cw).Level(level).With().Timestamp().Logger()
	return &l
}

// WithLogger returns a copy of ctx carrying log.
func WithLogger(ctx context.Context, log *zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, log)
}

// FromContext extracts the main logger from the context.
func FromContext(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(LoggerKey).(*zerolog.Logger)
	if !ok {
		defaultLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		return &defaultLogger
	}
	return logger
}

// ForArtifact returns a context whose logger tags every entry with the
// artifact's path and registry name.
func ForArtifact(ctx context.Context, path, name string) (context.Context, *zerolog.Logger) {
	l := FromContext(ctx).With().Str("file", path).Str("name", name).Logger()
	return WithLogger(ctx, &l), &l
}

// ParseLevel maps zerolog level names and the DEBUG/INFO modes onto a
// level, case-insensitively. Empty and unknown values mean info.
func ParseLevel(logLevel string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(logLevel)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
