// Package gatelimit provides logging hooks.
package gatelimit

import (
	"encoding/json"
	"io"
	"log"
	"time"
)

// Logger provides structured logging hooks.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// StdLogger writes JSON lines to an io.Writer.
type StdLogger struct {
	l   *log.Logger
	now func() time.Time
}

// NewStdLogger constructs a StdLogger.
func NewStdLogger(w io.Writer) *StdLogger {
	return &StdLogger{l: log.New(w, "", 0), now: time.Now}
}

// Info logs an info message.
func (s *StdLogger) Info(msg string, fields map[string]any) {
	s.log("info", msg, fields)
}

// Error logs an error message.
func (s *StdLogger) Error(msg string, fields map[string]any) {
	s.log("error", msg, fields)
}

func (s *StdLogger) log(level string, msg string, fields map[string]any) {
	if s == nil || s.l == nil {
		return
	}
	payload := map[string]any{
		"level": level,
		"msg":   msg,
		"ts":    s.now().UTC().Format(time.RFC3339Nano),
	}
	for key, value := range fields {
		payload[key] = value
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.l.Println(msg)
		return
	}
	s.l.Println(string(data))
}

// NopLogger discards all log output.
type NopLogger struct{}

// Info discards the message.
func (NopLogger) Info(string, map[string]any) {}

// Error discards the message.
func (NopLogger) Error(string, map[string]any) {}
