package logging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(test *testing.T) {
	test.Parallel()
	if _, err := New(Options{Level: "chatty"}); err == nil {
		test.Fatalf("expected level error")
	}
}

func TestNewWithRotatedFile(test *testing.T) {
	test.Parallel()
	logger, err := New(Options{Level: "debug", File: filepath.Join(test.TempDir(), "paycredits.log")})
	if err != nil {
		test.Fatalf("new: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		test.Fatalf("expected debug level enabled")
	}
	logger.Info("rotated")
}

func TestOperationLoggerFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	operationLogger := NewOperationLogger(zap.New(core))
	userID, err := credits.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}

	operationLogger.LogOperation(context.Background(), credits.OperationLog{
		Operation:  "purchase",
		Provider:   credits.ProviderStripe,
		UserID:     userID,
		CreditType: credits.CreditTypeFull,
		Amount:     5,
		EventKey:   "cs_1",
		Status:     "ok",
	})
	operationLogger.LogOperation(context.Background(), credits.OperationLog{Operation: "spend", Status: "error", Error: errors.New("boom")})

	entries := recorded.AllUntimed()
	if len(entries) != 2 {
		test.Fatalf("expected two entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "purchase" || fields["provider"] != "stripe" || fields["user_id"] != "user-1" || fields["amount"] != int64(5) || fields["event_key"] != "cs_1" {
		test.Fatalf("unexpected fields: %v", fields)
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["error"] != "boom" {
		test.Fatalf("unexpected error entry: %+v", entries[1])
	}
	if entries[0].LoggerName != "credits" {
		test.Fatalf("expected named logger, got %q", entries[0].LoggerName)
	}
}
