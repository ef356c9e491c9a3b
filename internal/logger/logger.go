// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var defaultLogger *zerolog.Logger

// Init initializes the default logger with the specified level and format.
// format "json" emits one JSON object per line, "text" a human readable console format.
func Init(level string, format string) {
	initWithWriter(level, format, os.Stderr)
}

func initWithWriter(level, format string, out io.Writer) {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		l = zerolog.InfoLevel
	}

	w := out
	if strings.ToLower(format) == "text" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.000"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zl := zerolog.New(w).Level(l).With().Timestamp().Logger()
	defaultLogger = &zl
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug().Msgf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info().Msgf(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn().Msgf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error().Msgf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		// WithLevel logs at fatal level without exiting.
		defaultLogger.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	}
	os.Exit(1)
}
