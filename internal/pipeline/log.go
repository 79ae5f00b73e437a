// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a logger for a command. Debug messages are only
// written if verbose is set. Unless json is set the output is
// formatted for people rather than machines.
func NewLogger(w io.Writer, verbose bool, json bool) *zerolog.Logger {
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &l
}
