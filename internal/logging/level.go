package logging

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Level is a logging level. Higher values indicate more verbosity.
type Level int

const (
	Error Level = iota - 2
	Warn
	Info
	Debug

	// MaxLevel is the most verbose numeric trace level allowed.
	MaxLevel Level = 9
)

// defaultLevel is the level newly-tagged loggers fall back to when the
// LOGLEVEL environment variable doesn't mention their tag.
var defaultLevel = Info

var errInvalidLevel = xerrors.New("logging: invalid level")

func parseLevel(s string) (level Level, err error) {
	// First check for well-known level names or abbreviations.
	switch strings.ToUpper(s) {
	case "E", "ERROR":
		return Error, nil
	case "W", "WARN":
		return Warn, nil
	case "I", "INFO":
		return Info, nil
	case "D", "DEBUG":
		return Debug, nil
	case "T", "TRACE":
		return MaxLevel, nil
	}

	// Otherwise expect an explicit numeric level.
	n, convErr := strconv.Atoi(s)
	if convErr != nil {
		return 0, xerrors.Errorf("%w: %q", errInvalidLevel, s)
	}
	level = Level(n)
	if level < Error || level > MaxLevel {
		return 0, xerrors.Errorf("%w: %q out of range", errInvalidLevel, s)
	}
	return level, nil
}

var levelToName = map[Level]string{
	Error: "Error",
	Warn:  "Warn",
	Info:  "Info",
	Debug: "Debug",
}

func (l Level) String() string {
	if name, ok := levelToName[l]; ok {
		return name
	}
	return fmt.Sprintf("Trace(%d)", l)
}

// letter returns the single-character abbreviation used as a log line prefix.
func (l Level) letter() byte {
	if l <= Debug {
		return "EWID"[l-Error]
	}
	// Allow numeric values up to 9.
	return byte('0' + l)
}

// color returns the ANSI escape sequence used to color this level's prefix.
func (l Level) color() []byte {
	switch l {
	case Error:
		return ansiBoldRed
	case Warn:
		return ansiBoldYellow
	case Info:
		return ansiBoldGreen
	case Debug:
		return ansiBoldCyan
	default:
		return ansiBoldWhite
	}
}
