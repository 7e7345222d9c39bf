package nettest2

//
// Logging over the event stream
//

import (
	"fmt"

	"github.com/ooni/nettest2/internal/model"
)

// eventLogger is a logger emitting log events. Messages whose
// severity exceeds the configured level are suppressed.
type eventLogger struct {
	// handler is the handler that receives the log events.
	handler EventHandler

	// hasdebug indicates whether to emit debug logs.
	hasdebug bool

	// hasinfo indicates whether to emit info logs.
	hasinfo bool

	// haswarning indicates whether to emit warning logs.
	haswarning bool
}

// newEventLogger creates a logger that emits log events to the
// given handler honouring the given level.
func newEventLogger(handler EventHandler, level LogLevel) *eventLogger {
	logger := &eventLogger{handler: handler}
	switch level {
	case LogLevelDebug, LogLevelDebug2:
		logger.hasdebug = true
		fallthrough
	case LogLevelInfo:
		logger.hasinfo = true
		fallthrough
	case LogLevelWarning:
		logger.haswarning = true
	}
	return logger
}

var _ model.Logger = &eventLogger{}

// emit emits a log event.
func (l *eventLogger) emit(level, message string) {
	l.handler.OnEvent(Event{
		Key: "log",
		Value: EventLog{
			LogLevel: level,
			Message:  message,
		},
	})
}

// Debug implements model.Logger.Debug.
func (l *eventLogger) Debug(msg string) {
	if l.hasdebug {
		l.emit("DEBUG", msg)
	}
}

// Debugf implements model.Logger.Debugf.
func (l *eventLogger) Debugf(format string, v ...interface{}) {
	if l.hasdebug {
		l.emit("DEBUG", fmt.Sprintf(format, v...))
	}
}

// Info implements model.Logger.Info.
func (l *eventLogger) Info(msg string) {
	if l.hasinfo {
		l.emit("INFO", msg)
	}
}

// Infof implements model.Logger.Infof.
func (l *eventLogger) Infof(format string, v ...interface{}) {
	if l.hasinfo {
		l.emit("INFO", fmt.Sprintf(format, v...))
	}
}

// Warn implements model.Logger.Warn.
func (l *eventLogger) Warn(msg string) {
	if l.haswarning {
		l.emit("WARNING", msg)
	}
}

// Warnf implements model.Logger.Warnf.
func (l *eventLogger) Warnf(format string, v ...interface{}) {
	if l.haswarning {
		l.emit("WARNING", fmt.Sprintf(format, v...))
	}
}
