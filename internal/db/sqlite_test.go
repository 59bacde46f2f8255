package db

import (
	"path/filepath"
	"testing"
)

func TestInitDB(t *testing.T) {
	ResetDB()
	defer ResetDB()

	path := filepath.Join(t.TempDir(), "test.db")
	database, err := InitDB(path)
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}
	if GetDB() != database {
		t.Error("GetDB should return the initialized connection")
	}

	var version int
	if err := database.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("Failed to read schema version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected schema version %d, got %d", len(migrations), version)
	}

	// Migrating again is a no-op.
	if err := migrate(database); err != nil {
		t.Errorf("Second migration failed: %v", err)
	}
}

func TestNewTestDB(t *testing.T) {
	database, err := NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test db: %v", err)
	}
	defer database.Close()

	if _, err := database.Exec(`INSERT INTO blueprints (author, name) VALUES ('juan', 'plano-1')`); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	var points string
	if err := database.QueryRow(`SELECT points FROM blueprints WHERE author = 'juan'`).Scan(&points); err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if points != "[]" {
		t.Errorf("Expected empty point list, got %q", points)
	}
}
