package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"
)

type LogEntry struct {
	Timestamp string      `json:"timestamp"`
	Level     string      `json:"level"`
	Service   string      `json:"service"`
	Action    string      `json:"action"`
	Message   string      `json:"message"`
	Hostname  string      `json:"hostname"`
	RequestID string      `json:"request_id"`
	Error     *ErrorEntry `json:"error,omitempty"`
}

type ErrorEntry struct {
	Msg   string `json:"msg"`
	Stack string `json:"stack"`
}

var levels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

type Logger struct {
	service  string
	hostname string
	minLevel int
	out      io.Writer
}

// NewLogger creates a logger for the named service. The minimum level is
// taken from DISHPATCH_LOG_LEVEL (DEBUG, INFO, WARN, ERROR), defaulting
// to DEBUG.
func NewLogger(service string) *Logger {
	hostname, _ := os.Hostname()
	min := 0
	if lvl, ok := levels[os.Getenv("DISHPATCH_LOG_LEVEL")]; ok {
		min = lvl
	}
	return &Logger{
		service:  service,
		hostname: hostname,
		minLevel: min,
		out:      os.Stdout,
	}
}

func (l *Logger) Debug(requestID, action, message string) {
	l.log("DEBUG", requestID, action, message, nil)
}

func (l *Logger) Info(requestID, action, message string) {
	l.log("INFO", requestID, action, message, nil)
}

func (l *Logger) Warn(requestID, action, message string) {
	l.log("WARN", requestID, action, message, nil)
}

func (l *Logger) Error(requestID, action, message string, err error) {
	var errorEntry *ErrorEntry
	if err != nil {
		buf := make([]byte, 1024)
		n := runtime.Stack(buf, false)
		errorEntry = &ErrorEntry{
			Msg:   err.Error(),
			Stack: string(buf[:n]),
		}
	}
	l.log("ERROR", requestID, action, message, errorEntry)
}

func (l *Logger) log(level, requestID, action, message string, errorEntry *ErrorEntry) {
	if levels[level] < l.minLevel {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Service:   l.service,
		Action:    action,
		Message:   message,
		Hostname:  l.hostname,
		RequestID: requestID,
		Error:     errorEntry,
	}

	jsonData, _ := json.Marshal(entry)
	fmt.Fprintln(l.out, string(jsonData))
}
