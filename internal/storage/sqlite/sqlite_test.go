package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/shellbox/internal/storage"
	"github.com/jkaninda/shellbox/internal/storage/storagetest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "test.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, openTest(t))
}

func TestSQLiteStore_Driver(t *testing.T) {
	st := openTest(t)
	if st.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", st.Driver())
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestConfigFrom_DefaultsToDataDir(t *testing.T) {
	cfg := ConfigFrom(storage.SQLiteConfig{}, "/var/lib/shellbox")
	if cfg.Path != "/var/lib/shellbox/shellbox.db" {
		t.Errorf("Path = %q", cfg.Path)
	}
	cfg = ConfigFrom(storage.SQLiteConfig{Path: "/tmp/x.db", JournalMode: "delete"}, "/var/lib/shellbox")
	if cfg.Path != "/tmp/x.db" || cfg.JournalMode != "delete" {
		t.Errorf("cfg = %+v", cfg)
	}
}
