// Package util holds process-wide helpers: leveled logging and traffic stats.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger (stderr).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool {
	return pterm.DefaultLogger.Level == pterm.LogLevelDebug
}

// Tag prefixes every line with a bracketed subject, e.g. "[peer 3]".
type Tag string

// Tagf builds a Tag from a format string.
func Tagf(format string, args ...interface{}) Tag {
	return Tag(fmt.Sprintf(format, args...))
}

func (t Tag) Debug(format string, args ...interface{}) {
	LogDebug("[%s] %s", string(t), fmt.Sprintf(format, args...))
}

func (t Tag) Info(format string, args ...interface{}) {
	LogInfo("[%s] %s", string(t), fmt.Sprintf(format, args...))
}

func (t Tag) Warning(format string, args ...interface{}) {
	LogWarning("[%s] %s", string(t), fmt.Sprintf(format, args...))
}

func (t Tag) Error(format string, args ...interface{}) {
	LogError("[%s] %s", string(t), fmt.Sprintf(format, args...))
}
