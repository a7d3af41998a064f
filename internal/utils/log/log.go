package log

import (
	"go.uber.org/zap"
)

var logger = zap.Must(zap.NewProduction())

// Init replaces the package logger, typically from main after config is read.
func Init(l *zap.Logger) {
	logger = l
	zap.ReplaceGlobals(l)
}

func L() *zap.Logger { return logger }

func Debug(msg string, fields ...zap.Field) { logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { logger.Fatal(msg, fields...) }
