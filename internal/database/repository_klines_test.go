package database

import (
	"strings"
	"testing"
)

func klineMigration(t *testing.T) string {
	t.Helper()
	for _, m := range migrations {
		if strings.Contains(m, "CREATE TABLE IF NOT EXISTS kline_data") {
			return m
		}
	}
	t.Fatal("kline_data migration not found")
	return ""
}

func TestKlineColumnsMatchMigration(t *testing.T) {
	ddl := klineMigration(t)
	for _, col := range strings.Split(klineColumns, ", ") {
		if !strings.Contains(ddl, col) {
			t.Errorf("repository column %q is not defined by the kline_data migration", col)
		}
	}
}

func TestKlineUpsertConflictTargetIsPrimaryKey(t *testing.T) {
	ddl := klineMigration(t)
	if !strings.Contains(ddl, "PRIMARY KEY (symbol, timeframe, open_time)") {
		t.Error("kline_data primary key must be (symbol, timeframe, open_time), the upsert conflict target")
	}
}
