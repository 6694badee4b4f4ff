package signalr

import (
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// StructuredLogger is the simplest logging interface for structured logging.
// See github.com/go-kit/log
type StructuredLogger interface {
	Log(keyVals ...interface{}) error
}

// TraceLevel is a set of log categories. Only categories contained in the TraceLevel of a
// Connection are written to its logger.
type TraceLevel int

const (
	TraceMessages TraceLevel = 1 << iota
	TraceStateChanges
	TraceEvents
	TraceErrors
	TraceInfo

	TraceNone TraceLevel = 0
	TraceAll             = TraceMessages | TraceStateChanges | TraceEvents | TraceErrors | TraceInfo
)

func (t TraceLevel) String() string {
	switch t {
	case TraceNone:
		return "none"
	case TraceMessages:
		return "message"
	case TraceStateChanges:
		return "state change"
	case TraceEvents:
		return "event"
	case TraceErrors:
		return "error"
	case TraceInfo:
		return "info"
	case TraceAll:
		return "all"
	}
	names := make([]string, 0, 5)
	for c := TraceMessages; c <= TraceInfo; c <<= 1 {
		if t&c != 0 {
			names = append(names, c.String())
		}
	}
	return strings.Join(names, "|")
}

// traceLogger filters log events by category and maps categories to go-kit levels.
type traceLogger struct {
	base   StructuredLogger
	logger log.Logger
	level  TraceLevel
}

func newTraceLogger(logger StructuredLogger, traceLevel TraceLevel, class string) *traceLogger {
	return &traceLogger{
		base:   logger,
		logger: log.WithPrefix(logger, "ts", log.DefaultTimestampUTC, "class", class),
		level:  traceLevel,
	}
}

func (t *traceLogger) withClass(class string) *traceLogger {
	return newTraceLogger(t.base, t.level, class)
}

func (t *traceLogger) enabled(category TraceLevel) bool {
	return t.level&category != 0
}

func (t *traceLogger) Log(category TraceLevel, format string, args ...interface{}) {
	if !t.enabled(category) {
		return
	}
	var logger log.Logger
	switch category {
	case TraceErrors:
		logger = level.Error(t.logger)
	case TraceInfo, TraceEvents:
		logger = level.Info(t.logger)
	default:
		logger = level.Debug(t.logger)
	}
	_ = logger.Log("trace", category.String(), "msg", fmt.Sprintf(format, args...))
}
