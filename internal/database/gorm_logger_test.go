package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/rooms"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOpenSQLiteRoutesQueryErrorsThroughZap(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dsn := fmt.Sprintf("file:gorm_logger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := OpenSQLite(dsn, zap.New(core))
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	var room rooms.Room
	if err := database.Where("room_id = ?", "missing").First(&room).Error; err == nil {
		testContext.Fatalf("expected record not found")
	}
	if entries := logs.Filter(fromGorm).All(); len(entries) != 0 {
		testContext.Fatalf("missing records must not be logged, got %v", entries)
	}

	if err := database.Exec("SELECT * FROM table_that_does_not_exist").Error; err == nil {
		testContext.Fatalf("expected query error")
	}
	failures := logs.Filter(fromGorm).FilterMessage("query failed").All()
	if len(failures) != 1 || failures[0].Level != zapcore.ErrorLevel {
		testContext.Fatalf("expected one error-level query failure, got %v", failures)
	}
}

func fromGorm(entry observer.LoggedEntry) bool {
	return entry.LoggerName == "gorm"
}
