package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// logAdapter bridges pion's LeveledLogger onto the process logger, so ICE and
// DTLS internals land in the same stream as everything else. It reads the
// current logger on every call, picking up re-initialization.
type logAdapter struct {
	scope string
}

func (l *logAdapter) logger() *zap.SugaredLogger {
	return zapLogger.Named(l.scope)
}

func (l *logAdapter) Trace(msg string) {
	// zap has no trace level
	l.logger().Debug(msg)
}

func (l *logAdapter) Tracef(format string, args ...interface{}) {
	l.logger().Debugf(format, args...)
}

func (l *logAdapter) Debug(msg string) {
	l.logger().Debug(msg)
}

func (l *logAdapter) Debugf(format string, args ...interface{}) {
	l.logger().Debugf(format, args...)
}

func (l *logAdapter) Info(msg string) {
	l.logger().Info(msg)
}

func (l *logAdapter) Infof(format string, args ...interface{}) {
	l.logger().Infof(format, args...)
}

func (l *logAdapter) Warn(msg string) {
	l.logger().Warn(msg)
}

func (l *logAdapter) Warnf(format string, args ...interface{}) {
	l.logger().Warnf(format, args...)
}

func (l *logAdapter) Error(msg string) {
	l.logger().Error(msg)
}

func (l *logAdapter) Errorf(format string, args ...interface{}) {
	l.logger().Errorf(format, args...)
}

type zapLoggerFactory struct{}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{scope: scope}
}
