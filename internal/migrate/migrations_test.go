package migrate

import (
	"testing"

	"rerouteline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "south"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version %d", version)
	}
	for _, table := range []string{"reroutes", "notifications", "log_entries"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestLoadMigrationsPerDriver(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres"} {
		ms, err := loadMigrations(driver)
		if err != nil || len(ms) == 0 {
			t.Fatalf("%s migrations: %v", driver, err)
		}
	}
	if _, err := loadMigrations("mysql"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
