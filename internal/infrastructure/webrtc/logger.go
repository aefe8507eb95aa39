package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// LoggerFactory routes pion's internal logs through zap.
type LoggerFactory struct {
	logger *zap.SugaredLogger
}

func NewLoggerFactory(logger *zap.SugaredLogger) *LoggerFactory {
	return &LoggerFactory{logger: logger.With("component", "pion")}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.logger.With("scope", scope)}
}

// leveledLogger maps pion's trace level onto debug.
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l *leveledLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *leveledLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
