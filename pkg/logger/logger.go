// Package logger provides the component-scoped structured logger used across
// dotchat. Output is produced by zerolog.
package logger

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console output for development
	Output io.Writer
}

var (
	mu    sync.RWMutex
	level = INFO
	zlog  = newZerolog(Config{})
)

func newZerolog(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "dotchat").
		Logger()
}

// Init replaces the process logger.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	zlog = newZerolog(cfg)
	level = ParseLevel(cfg.Level)
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// Zerolog exposes the underlying logger for libraries that want one.
func Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zlog
}

// StdLogger adapts the process logger for APIs that take a *log.Logger,
// such as http.Server.ErrorLog.
func StdLogger(component string) *log.Logger {
	zl := Zerolog().With().Str("component", component).Logger()
	return log.New(zl, "", 0)
}

func logMessage(l LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	if l < level {
		mu.RUnlock()
		return
	}
	z := zlog
	mu.RUnlock()

	var ev *zerolog.Event
	switch l {
	case DEBUG:
		ev = z.Debug()
	case WARN:
		ev = z.Warn()
	case ERROR:
		ev = z.Error()
	default:
		ev = z.Info()
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}
