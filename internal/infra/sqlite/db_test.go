package sqlite

import (
	"testing"
)

func TestNewDB_InMemory(t *testing.T) {
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	// In-memory databases report "memory"; file databases report "wal".
	if mode != "memory" && mode != "wal" {
		t.Errorf("journal_mode = %q", mode)
	}
}

func TestNewDB_MissingParentDir(t *testing.T) {
	if _, err := NewDB("/nonexistent-dir-xyz/arkham.db"); err == nil {
		t.Error("expected error for missing parent directory")
	}
}

func TestRegexpFunction(t *testing.T) {
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	var matched int
	if err := db.QueryRow(`SELECT 'invoice INV-2024-001' REGEXP 'INV-\d{4}-\d{3}'`).Scan(&matched); err != nil {
		t.Fatalf("regexp query: %v", err)
	}
	if matched != 1 {
		t.Errorf("expected match, got %d", matched)
	}

	if err := db.QueryRow(`SELECT 'no numbers here' REGEXP '\d+'`).Scan(&matched); err != nil {
		t.Fatalf("regexp query: %v", err)
	}
	if matched != 0 {
		t.Errorf("expected no match, got %d", matched)
	}
}

func TestRegexpFunction_InvalidPatternErrors(t *testing.T) {
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	var matched int
	if err := db.QueryRow(`SELECT 'text' REGEXP '(unclosed'`).Scan(&matched); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestMigrateUp_IdempotentAndVersioned(t *testing.T) {
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	// Second run is a no-op.
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp (second run): %v", err)
	}

	version, err := MigrationVersion(db)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version < 1 {
		t.Errorf("version = %d, want >= 1", version)
	}

	// Core tables exist after migration.
	for _, table := range []string{"frame_documents", "frame_chunks", "queue_jobs", "intake_jobs", "vectors_collections", "anomalies_anomalies", "contradictions_contradictions"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}
