// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"io"

	"github.com/invowk/deskpack/internal/config"

	"github.com/charmbracelet/log"
)

// newLogger returns the logger shared by every component of one CLI run.
// Debug output, including cache decisions, is enabled by --verbose.
func newLogger(w io.Writer, verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:  level,
		Prefix: config.AppName,
	})
}
