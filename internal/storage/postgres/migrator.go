package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	// migrationLockKey сериализует миграции между репликами.
	migrationLockKey = int64(20260301)

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// 0003_customers_policy_roe.up.sql
var migrationName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) String() string { return fmt.Sprintf("%04d_%s", m.Version, m.Name) }

// migrationSet упорядочен по возрастанию версии.
type migrationSet []migration

// pending — неприменённые миграции по порядку, не больше steps (0 = все).
func (ms migrationSet) pending(applied map[int64]time.Time, steps int) []migration {
	out := lo.Filter(ms, func(m migration, _ int) bool {
		_, ok := applied[m.Version]
		return !ok
	})
	if steps > 0 && len(out) > steps {
		out = out[:steps]
	}
	return out
}

// rollback — steps последних применённых миграций от новой к старой.
func (ms migrationSet) rollback(applied map[int64]time.Time, steps int) ([]migration, error) {
	versions := lo.Keys(applied)
	slices.SortFunc(versions, func(a, b int64) int { return cmp.Compare(b, a) })
	if len(versions) > steps {
		versions = versions[:steps]
	}

	byVersion := lo.KeyBy(ms, func(m migration) int64 { return m.Version })
	out := make([]migration, 0, len(versions))
	for _, v := range versions {
		m, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("cannot rollback unknown migration version %d", v)
		}
		out = append(out, m)
	}
	return out, nil
}

// MigrationState — миграция и время её применения, если она применена.
type MigrationState struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

func (ms migrationSet) states(applied map[int64]time.Time) []MigrationState {
	return lo.Map(ms, func(m migration, _ int) MigrationState {
		st := MigrationState{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		return st
	})
}

// MigrateUp применяет до steps новых миграций; steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, set migrationSet, applied map[int64]time.Time) error {
		for _, m := range set.pending(applied, steps) {
			if err := applyMigration(ctx, conn, m, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	steps = max(steps, 1)
	return s.withMigrationLock(ctx, func(conn *sql.Conn, set migrationSet, applied map[int64]time.Time) error {
		plan, err := set.rollback(applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := applyMigration(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus перечисляет встроенные миграции с отметкой применения.
func (s *Store) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	var out []MigrationState
	err := s.withMigrationLock(ctx, func(_ *sql.Conn, set migrationSet, applied map[int64]time.Time) error {
		out = set.states(applied)
		return nil
	})
	return out, err
}

func (s *Store) withMigrationLock(ctx context.Context, fn func(*sql.Conn, migrationSet, map[int64]time.Time) error) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	set, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, set, applied)
}

// applyMigration выполняет тело и запись в schema_migrations одной транзакцией.
func applyMigration(ctx context.Context, conn *sql.Conn, m migration, up bool) (err error) {
	direction, body, record := "down", m.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`
	args := []any{m.Version}
	if up {
		direction, body, record = "up", m.UpSQL, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`
		args = append(args, m.Name)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s %s: %w", direction, m, err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s %s: %w", direction, m, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m, err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[int64]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]time.Time)
	for rows.Next() {
		var (
			version int64
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = at.UTC()
	}
	return applied, rows.Err()
}

// loadMigrations собирает пары up/down из sql/migrations.
func loadMigrations(fsys fs.FS) (migrationSet, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationName.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m := byVersion[version]
		switch {
		case m == nil:
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		case m.Name != parts[2]:
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, parts[2])
		}

		dst := &m.UpSQL
		if parts[3] == "down" {
			dst = &m.DownSQL
		}
		if *dst != "" {
			return nil, fmt.Errorf("duplicate %s file for migration %d", parts[3], version)
		}
		*dst = body
	}

	set := make(migrationSet, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m)
		}
		set = append(set, *m)
	}
	slices.SortFunc(set, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return set, nil
}
