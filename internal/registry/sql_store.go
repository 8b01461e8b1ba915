package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"cmdforge/internal/types"
)

const commandsTable = "commands"

var commandColumns = []string{
	"id", "name", "version", "language", "description",
	"checksum", "status", "score", "created_at",
}

// schema is plain DDL shared by sqlite and postgres. The partial index keeps
// at most one Active version per name even if two writers race past the
// registry lock (e.g. two processes on one database).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS commands (
		id          TEXT NOT NULL,
		name        TEXT NOT NULL,
		version     INTEGER NOT NULL,
		language    TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		checksum    TEXT NOT NULL,
		status      TEXT NOT NULL,
		score       INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (name, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS commands_one_active ON commands (name) WHERE status = 'Active'`,
}

// SQLStore keeps command metadata in sqlite or postgres. Statements are
// built with ent's dialect builder so placeholders and quoting follow the
// driver.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQL opens driver "sqlite" (a file path) or "postgres" (a pgx DSN) and
// ensures the schema exists.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("registry dsn is required")
	}
	var (
		db  *sql.DB
		err error
		d   string
	)
	switch driver {
	case "sqlite", "sqlite3":
		d = dialect.SQLite
		db, err = openSQLite(dsn)
	case "postgres", "pgx":
		d = dialect.Postgres
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	file := path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		file = path[:i]
	} else {
		path += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	}
	if dir := filepath.Dir(file); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite serialises them anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.dialect)
}

func (s *SQLStore) Versions(ctx context.Context, name string) ([]types.RegisteredCommand, error) {
	query, args := s.builder().
		Select(commandColumns...).
		From(entsql.Table(commandsTable)).
		Where(entsql.EQ("name", name)).
		OrderBy("version").
		Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RegisteredCommand
	for rows.Next() {
		var (
			c       types.RegisteredCommand
			status  string
			created string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Version, &c.Language, &c.Description,
			&c.Checksum, &status, &c.Score, &created); err != nil {
			return nil, err
		}
		c.Status = types.CommandStatus(status)
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("command %s v%d: bad created_at %q", c.Name, c.Version, created)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Names(ctx context.Context) ([]string, error) {
	query, args := s.builder().
		Select("name").
		Distinct().
		From(entsql.Table(commandsTable)).
		OrderBy("name").
		Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStore) Apply(ctx context.Context, m Mutation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, u := range m.Updates {
		query, args := s.builder().
			Update(commandsTable).
			Set("status", string(u.Status)).
			Where(entsql.And(entsql.EQ("name", u.Name), entsql.EQ("version", u.Version))).
			Query()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update %s v%d: %w", u.Name, u.Version, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update %s v%d: %w", u.Name, u.Version, ErrVersionNotFound)
		}
	}
	if c := m.Insert; c != nil {
		query, args := s.builder().
			Insert(commandsTable).
			Columns(commandColumns...).
			Values(c.ID, c.Name, c.Version, c.Language, c.Description,
				c.Checksum, string(c.Status), c.Score, c.CreatedAt.UTC().Format(time.RFC3339Nano)).
			Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s v%d: %w", c.Name, c.Version, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
