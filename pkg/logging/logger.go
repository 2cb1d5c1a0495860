// Package logging wraps zap to give every SHDC component a structured
// logger carrying a fixed component name and optional peer/device
// context. No component reaches for a process-global logger; a
// *Logger is passed in at construction and threaded down from there.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields are structured key/value pairs attached to a single log
// line, on top of whatever fields WithFields bound permanently.
type Fields map[string]interface{}

// Logger is a structured logger scoped to one component (transport,
// engine, discovery, keystore, ...), optionally further scoped to one
// peer or device id via WithPeerID.
type Logger struct {
	z         *zap.Logger
	component string
}

// New builds a Logger writing JSON lines at the given level. An empty
// logPath logs to stdout; otherwise logs append to the file at
// logPath. The file is not rotated here; rotation is left to the
// operator's log management (syslog/logrotate), matching the
// component's LAN-appliance deployment model.
func New(component string, level zapcore.Level, logPath string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	if logPath == "" {
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	} else {
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
	}

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: failed to build logger: %w", err)
	}

	return &Logger{
		z:         z.With(zap.String("component", component)),
		component: component,
	}, nil
}

// NewNop returns a Logger that discards everything, for tests that
// need to construct a component but don't care about its output.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop(), component: "nop"}
}

// WithComponent returns a derived Logger scoped to a sub-component,
// e.g. logger.WithComponent("discovery") off a hub-level logger.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{z: l.z.With(zap.String("component", component)), component: component}
}

// WithPeerID returns a derived Logger that attaches peer_id to every
// subsequent line, for following one sensor's traffic through a busy
// hub log.
func (l *Logger) WithPeerID(peerID string) *Logger {
	return &Logger{z: l.z.With(zap.String("peer_id", peerID)), component: l.component}
}

// WithFields returns a derived Logger with the given fields bound
// permanently, in addition to whatever the call site passes per-line.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{z: l.z.With(toZapFields(fields)...), component: l.component}
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(zapcore.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(zapcore.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(zapcore.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(zapcore.ErrorLevel, msg, fields) }

// Fatal logs at fatal level and terminates the process, matching
// zap.Logger.Fatal.
func (l *Logger) Fatal(msg string, fields ...Fields) { l.log(zapcore.FatalLevel, msg, fields) }

func (l *Logger) log(level zapcore.Level, msg string, fields []Fields) {
	var zf []zap.Field
	if len(fields) > 0 {
		zf = toZapFields(fields[0])
	}
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write(zf...)
	}
}

func toZapFields(fields Fields) []zap.Field {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return zf
}

// Sync flushes any buffered log entries. Callers should defer Sync()
// after constructing a Logger that writes to a file.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
