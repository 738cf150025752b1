package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const workspaceDir = ".rerouteline"

type Config struct {
	// Driver is sqlite (default) or postgres.
	Driver    string
	Workspace string
	// Name selects the sqlite file inside the workspace, e.g. a warehouse id.
	Name string
	DSN  string
}

// DB wraps *sql.DB with the driver so queries can be rebound for postgres.
type DB struct {
	*sql.DB
	driver string
}

func (d *DB) Driver() string { return d.driver }

// Q rewrites ? placeholders for PostgreSQL, passes through for SQLite.
func (d *DB) Q(query string) string {
	if d.driver == "postgres" {
		return Rebind(query)
	}
	return query
}

// Rebind converts ? placeholders to $1, $2, ... skipping quoted literals.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func dbPath(workspace, name string) string {
	if workspace == "" {
		workspace = "."
	}
	if name == "" {
		name = "rerouteline"
	}
	return filepath.Join(workspace, workspaceDir, name+".db")
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite files get WAL, a busy timeout and a single connection.
func Open(cfg Config) (*DB, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return openSQLite(cfg)
	case "postgres":
		return openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func openSQLite(cfg Config) (*DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Workspace, cfg.Name))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return &DB{DB: conn, driver: "sqlite"}, nil
}

func openPostgres(cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	dsn := strings.ReplaceAll(cfg.DSN, "{warehouse}", cfg.Name)
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &DB{DB: conn, driver: "postgres"}, nil
}

// Path returns the sqlite path for a workspace file.
func Path(workspace, name string) string {
	return dbPath(workspace, name)
}
