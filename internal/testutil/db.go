// Package testutil provides shared helpers for package tests.
package testutil

import (
	"os"
	"testing"

	"github.com/akrivos/helmsman/internal/database"
)

// NewTestDB creates an isolated temp-file database with the schema applied.
// Connection and file are cleaned up when the test finishes.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	tmp, err := os.CreateTemp("", "helmsman_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp database file: %v", err)
	}
	path := tmp.Name()
	_ = tmp.Close()

	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileCache,
		Name:    "test",
	})
	if err != nil {
		_ = os.Remove(path)
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(path)
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
	})
	return db
}
