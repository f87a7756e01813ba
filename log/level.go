package log

import "strings"

// LogLevel orders message severities. Messages below the logger's
// level are discarded.
type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
)

var levelLabels = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var levelColors = [...]string{
	"\033[36m", // cyan
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[31m", // red
}

func (l LogLevel) String() string {
	if l < Debug || l > Error {
		return "UNKNOWN"
	}
	return levelLabels[l]
}

func (l LogLevel) color() string {
	if l < Debug || l > Error {
		return "\033[0m"
	}
	return levelColors[l]
}

// Parse maps a config string to a level, case insensitively.
// Unrecognized values fall back to Info.
func Parse(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return Debug
	case "WARN", "WARNING":
		return Warn
	case "ERROR":
		return Error
	default:
		return Info
	}
}
