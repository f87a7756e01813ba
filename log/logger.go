package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const timeFormat = "2006-01-02 15:04:05.000"

// Logger writes leveled, printf-formatted messages to the terminal
// and optionally to a rotated log file. Sub-loggers created with
// Named share the parent's writer and level.
type Logger struct {
	writer io.Writer
	name   string
	level  LogLevel
	color  bool
}

// NewLogger creates the root logger. An empty file disables file
// output; noTerminal suppresses terminal output. With both disabled
// messages still go to stderr.
func NewLogger(name string, level LogLevel, file string, noTerminal bool) *Logger {
	var writers []io.Writer
	color := false

	if !noTerminal {
		writers = append(writers, os.Stderr)
		color = true
	}

	if file != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    64, // megabytes per file
			MaxBackups: 4,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	return &Logger{
		writer: io.MultiWriter(writers...),
		name:   name,
		level:  level,
		color:  color,
	}
}

// Named returns a sub-logger whose messages carry name as a
// path-style suffix of the parent's name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		writer: l.writer,
		name:   l.name + "/" + name,
		level:  l.level,
		color:  l.color,
	}
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.level {
		return
	}

	prefix := fmt.Sprintf("[%s] %-5s", time.Now().Format(timeFormat), level)
	if l.name != "" {
		prefix += " [" + l.name + "]"
	}

	formatted := fmt.Sprintf(msg, args...)
	if l.color {
		fmt.Fprintf(l.writer, "%s%s %s\033[0m\n", level.color(), prefix, formatted)
	} else {
		fmt.Fprintf(l.writer, "%s %s\n", prefix, formatted)
	}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(Debug, msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(Info, msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(Warn, msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(Error, msg, args...)
}
