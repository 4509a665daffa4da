package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

var exitFunc = os.Exit

func (l *BaseLogger) logAttrs(level Level, msg string, attrs []slog.Attr) {
	if level < l.level {
		return
	}
	l.slogLogger.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
}

// Debug logs at debug level.
func (l *BaseLogger) Debug(msg string, fields ...Field) {
	l.logAttrs(DebugLevel, msg, attrsFromFieldSlice(fields))
}

// Info logs at info level.
func (l *BaseLogger) Info(msg string, fields ...Field) {
	l.logAttrs(InfoLevel, msg, attrsFromFieldSlice(fields))
}

// Warn logs at warn level.
func (l *BaseLogger) Warn(msg string, fields ...Field) {
	l.logAttrs(WarnLevel, msg, attrsFromFieldSlice(fields))
}

// Error logs at error level.
func (l *BaseLogger) Error(msg string, fields ...Field) {
	l.logAttrs(ErrorLevel, msg, attrsFromFieldSlice(fields))
}

// Fatal logs at error level and exits the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.logAttrs(FatalLevel, msg, attrsFromFieldSlice(fields))
	exitFunc(1)
}

// Debugf logs msg with key/value pairs at debug level.
func (l *BaseLogger) Debugf(msg string, args ...interface{}) {
	l.logAttrs(DebugLevel, msg, argsToAttrs(args))
}

// Infof logs msg with key/value pairs at info level.
func (l *BaseLogger) Infof(msg string, args ...interface{}) {
	l.logAttrs(InfoLevel, msg, argsToAttrs(args))
}

// Warnf logs msg with key/value pairs at warn level.
func (l *BaseLogger) Warnf(msg string, args ...interface{}) {
	l.logAttrs(WarnLevel, msg, argsToAttrs(args))
}

// Errorf logs msg with key/value pairs at error level.
func (l *BaseLogger) Errorf(msg string, args ...interface{}) {
	l.logAttrs(ErrorLevel, msg, argsToAttrs(args))
}

// Fatalf logs msg with key/value pairs and exits the process.
func (l *BaseLogger) Fatalf(msg string, args ...interface{}) {
	l.logAttrs(FatalLevel, msg, argsToAttrs(args))
	exitFunc(1)
}

// WithField returns a child logger carrying key=value.
func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields returns a child logger carrying all fields.
func (l *BaseLogger) WithFields(fields Fields) Logger {
	return l.child(fields)
}

// WithError returns a child logger carrying the error.
func (l *BaseLogger) WithError(err error) Logger {
	f := Err(err)
	return l.child(Fields{f.Key: f.Value})
}

// With returns a child logger carrying the given fields.
func (l *BaseLogger) With(fields ...Field) Logger {
	m := make(Fields, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return l.child(m)
}

// WithContext copies well-known request values out of ctx.
func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	return l.child(ContextExtractor(ctx))
}

// WithComponent tags the logger with a component name.
func (l *BaseLogger) WithComponent(component string) Logger {
	return l.child(Fields{ComponentKey: component})
}

// SetLevel sets the minimum level for this logger.
func (l *BaseLogger) SetLevel(level Level) { l.level = level }

// GetLevel returns the minimum level for this logger.
func (l *BaseLogger) GetLevel() Level { return l.level }

func (l *BaseLogger) child(extra Fields) Logger {
	nl := &BaseLogger{
		level:      l.level,
		fields:     make(Fields, len(l.fields)+len(extra)),
		formatter:  l.formatter,
		outputs:    l.outputs,
		redactKeys: l.redactKeys,
		sampling:   l.sampling,
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range extra {
		nl.fields[k] = v
	}
	h := newBridgeHandler(nl).WithAttrs(attrsFromMap(nl.fields))
	nl.slogLogger = slog.New(h)
	return nl
}

// ParseLevel parses debug|info|warn|error|fatal, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG", "Debug":
		return DebugLevel, nil
	case "info", "INFO", "Info", "":
		return InfoLevel, nil
	case "warn", "WARN", "Warn", "warning", "WARNING":
		return WarnLevel, nil
	case "error", "ERROR", "Error":
		return ErrorLevel, nil
	case "fatal", "FATAL", "Fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("log: unknown level %q", s)
}
