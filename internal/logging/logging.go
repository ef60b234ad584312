// Package logging builds the zap logger and bridges credits operations into it.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	rotateMaxSizeMB  = 50
	rotateMaxBackups = 5
	rotateMaxAgeDays = 30
)

// Options selects the log level and an optional rotated log file.
type Options struct {
	Level string
	File  string
}

// New builds a production zap logger. When File is set, entries are also written to a rotated file.
func New(options Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(options.Level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)}
	if file := strings.TrimSpace(options.File); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    rotateMaxSizeMB,
			MaxBackups: rotateMaxBackups,
			MaxAge:     rotateMaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// OperationLogger writes credits operations as structured zap entries.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger. A nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("credits")}
}

// LogOperation implements credits.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.Provider != "" {
		fields = append(fields, zap.String("provider", entry.Provider.String()))
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.CreditType != "" {
		fields = append(fields, zap.String("credit_type", string(entry.CreditType)))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.EventKey != "" {
		fields = append(fields, zap.String("event_key", entry.EventKey))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if entry.Error != nil {
		operationLogger.logger.Error("credits operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("credits operation", fields...)
}
