package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLite stores rules in a single SQLite database file.
type SQLite struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens or creates the rules database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rules database: %w", err)
	}
	// :memory: databases are private to a connection.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLite{conn: conn, path: path, now: time.Now}
	if err := s.initializeSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize rules schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rules (
			app TEXT PRIMARY KEY,
			raw TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS installed_packages (
			package TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

// Path returns the database location.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) RawKeywords(ctx context.Context, app string) (string, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx, `SELECT raw FROM rules WHERE app = ?`, strings.TrimSpace(app)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read rule for %s: %w", app, err)
	}
	return raw, nil
}

func (s *SQLite) SetRawKeywords(ctx context.Context, app, raw string) error {
	app, err := validApp(app)
	if err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if _, err := s.conn.ExecContext(ctx, `DELETE FROM rules WHERE app = ?`, app); err != nil {
			return fmt.Errorf("delete rule for %s: %w", app, err)
		}
		return nil
	}
	query := `
		INSERT INTO rules (app, raw, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(app) DO UPDATE SET raw = excluded.raw, updated_at = excluded.updated_at
	`
	if _, err := s.conn.ExecContext(ctx, query, app, raw, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write rule for %s: %w", app, err)
	}
	return nil
}

func (s *SQLite) Rule(ctx context.Context, app string) (Rule, error) {
	var (
		rule    Rule
		updated string
	)
	err := s.conn.QueryRowContext(ctx, `SELECT app, raw, updated_at FROM rules WHERE app = ?`, strings.TrimSpace(app)).
		Scan(&rule.App, &rule.Raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	if err != nil {
		return Rule{}, fmt.Errorf("read rule for %s: %w", app, err)
	}
	rule.UpdatedAt = parseTime(updated)
	return rule, nil
}

func (s *SQLite) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT app, raw, updated_at FROM rules ORDER BY app`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var (
			rule    Rule
			updated string
		)
		if err := rows.Scan(&rule.App, &rule.Raw, &updated); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.UpdatedAt = parseTime(updated)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *SQLite) InstalledPackages(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT package FROM installed_packages ORDER BY package`)
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	defer rows.Close()

	var packages []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

func (s *SQLite) SetInstalledPackages(ctx context.Context, packages []string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM installed_packages`); err != nil {
		return fmt.Errorf("clear installed packages: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO installed_packages (package) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, pkg := range normalizePackages(packages) {
		if _, err := stmt.ExecContext(ctx, pkg); err != nil {
			return fmt.Errorf("insert package %s: %w", pkg, err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ RuleStore = (*SQLite)(nil)
