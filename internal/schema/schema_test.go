package schema

import (
	"strings"
	"testing"
)

func TestStatementsAreIdempotent(t *testing.T) {
	// Migrate runs on every startup; each statement must tolerate reruns
	for i, stmt := range statements {
		if !strings.Contains(stmt, "IF NOT EXISTS") && !strings.Contains(stmt, "OR REPLACE") {
			t.Errorf("statement %d is not idempotent:\n%s", i, stmt)
		}
	}
}

func TestSyncedObjectDDL(t *testing.T) {
	ddl := SyncedObjectDDL("customers")
	if len(ddl) != 2 {
		t.Fatalf("SyncedObjectDDL() returned %d statements, want table + trigger", len(ddl))
	}
	table := ddl[0]
	for _, col := range []string{"_raw_data", "_last_synced_at", "_updated_at", "_account_id"} {
		if !strings.Contains(table, col) {
			t.Errorf("table DDL missing %s:\n%s", col, table)
		}
	}
	if !strings.Contains(ddl[1], "set_updated_at") {
		t.Errorf("trigger DDL does not attach set_updated_at:\n%s", ddl[1])
	}
}
