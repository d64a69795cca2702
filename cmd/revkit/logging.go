package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultLogLevel = "warn"
)

func newLogger(level string, output io.Writer) (zerolog.Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q - %w", level, err)
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.TimeOnly,
		NoColor:    true,
	}).Level(parsed).With().Timestamp().Logger(), nil
}
