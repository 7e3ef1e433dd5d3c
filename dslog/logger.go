// Package dslog provides structured request logging for the crawling engine.
//
// This file implements JSON structured logging with:
//   - Correlation IDs (the worker generates a fresh one for each Request it
//     processes, including Requests produced by callbacks)
//   - Low-overhead design: fields map is only marshaled once per call
//   - Level classification: debug for dedup/skip bookkeeping, info for
//     fetch lifecycle events, warn for failed fetches, error for Generic
//     failures and callback errors
//
// Design Notes:
//   - Uses the standard log package for compatibility, matching the rest of
//     the ecosystem this module was grown alongside.
//   - Correlation IDs enable tracing a single request's fetch (including
//     its retries), callback, and eventual failure recording.
//
// Trade-offs:
//   - JSON over human-readable: easier to grep/ingest downstream.
//   - No sampling: crawl volumes are bounded by MaxConcurrency, not by an
//     uncontrolled request rate, so hot-path logging pressure is naturally
//     capped.
package dslog

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// NewRequestID returns a fresh correlation ID for a top-level Request.
func NewRequestID() string {
	return uuid.New().String()
}

// Logger wraps the standard logger with structured JSON fields.
type Logger struct {
	out *log.Logger
}

// Default is the package-level logger used when callers don't construct
// their own; it writes to log.Default() so it honors whatever output the
// embedding process already configured.
var Default = &Logger{out: log.Default()}

// New creates a Logger writing through the supplied *log.Logger.
func New(out *log.Logger) *Logger {
	if out == nil {
		out = log.Default()
	}
	return &Logger{out: out}
}

// Debug logs a debug-level structured entry.
func (l *Logger) Debug(requestID, event string, fields map[string]any) {
	l.log(LevelDebug, requestID, event, fields)
}

// Info logs an info-level structured entry.
func (l *Logger) Info(requestID, event string, fields map[string]any) {
	l.log(LevelInfo, requestID, event, fields)
}

// Warn logs a warn-level structured entry.
func (l *Logger) Warn(requestID, event string, fields map[string]any) {
	l.log(LevelWarn, requestID, event, fields)
}

// Error logs an error-level structured entry.
func (l *Logger) Error(requestID, event string, fields map[string]any) {
	l.log(LevelError, requestID, event, fields)
}

func (l *Logger) log(level Level, requestID, event string, fields map[string]any) {
	entry := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"level":      level,
		"request_id": requestID,
		"event":      event,
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to a plain line if the fields don't marshal cleanly.
		l.out.Printf("[%s] %s request_id=%s (fields unmarshalable: %v)", level, event, requestID, err)
		return
	}
	l.out.Println(string(data))
}
