package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/controlplane/migration"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

const schemaVersion = 1

// SQLStore is a database/sql-backed Store. It runs unmodified against
// SQLite, MySQL, or PostgreSQL — only the driver name, DSN, and
// placeholder style differ, selected via Driver. Grounded on
// internal/controlplane/audit/store.go's SQLite-backed persistence and
// internal/tools/sql.go's driver-name-to-registered-name mapping
// (pgx/v5/stdlib registers as "pgx", not "postgres").
type SQLStore struct {
	db     *sql.DB
	driver Driver
}

// Driver names the SQL dialect a SQLStore targets.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
)

func (d Driver) registeredName() string {
	if d == DriverPostgres {
		return "pgx" // jackc/pgx/v5/stdlib registers under "pgx"
	}
	return string(d)
}

// placeholder returns the nth (1-based) bind placeholder for the
// dialect: "?" for sqlite/mysql, "$n" for postgres.
func (d Driver) placeholder(n int) string {
	if d == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// NewSQLStore opens (or creates) a database/sql-backed run-state store
// and ensures its schema and version row exist.
func NewSQLStore(driver Driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver.registeredName(), dsn)
	if err != nil {
		return nil, dgerr.Wrap(dgerr.ControlPlane, "open run state database", err)
	}

	if driver == DriverSQLite {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, dgerr.Wrap(dgerr.ControlPlane, "set WAL mode", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, dgerr.Wrap(dgerr.ControlPlane, "set busy_timeout", err)
		}
	}

	if _, err := db.Exec(createRunsTable(driver)); err != nil {
		db.Close()
		return nil, dgerr.Wrap(dgerr.ControlPlane, "create runs table", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_namespace ON runs(namespace_id)`); err != nil {
		db.Close()
		return nil, dgerr.Wrap(dgerr.ControlPlane, "create namespace index", err)
	}

	if driver == DriverSQLite {
		if err := migration.EnsureVersion(db, schemaVersion); err != nil {
			db.Close()
			return nil, dgerr.Wrap(dgerr.ControlPlane, "ensure schema version", err)
		}
	}

	return &SQLStore{db: db, driver: driver}, nil
}

func createRunsTable(driver Driver) string {
	idType := "TEXT"
	if driver == DriverMySQL {
		idType = "VARCHAR(255)"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
		tenant_id    %[1]s NOT NULL DEFAULT '',
		namespace_id %[1]s NOT NULL DEFAULT '',
		run_id       %[1]s NOT NULL,
		status       %[1]s NOT NULL,
		content_hash %[1]s NOT NULL,
		snapshot     TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, namespace_id, run_id)
	)`, idType)
}

func (s *SQLStore) Create(ctx context.Context, rs dgmodel.RunState) error {
	snap, err := newSnapshot(rs, time.Now().UTC())
	if err != nil {
		return err
	}
	payload, err := canon.Marshal(rs)
	if err != nil {
		return dgerr.Wrap(dgerr.Internal, "marshal run state snapshot", err)
	}

	query := fmt.Sprintf(
		`INSERT INTO runs (tenant_id, namespace_id, run_id, status, content_hash, snapshot, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.driver.placeholder(1), s.driver.placeholder(2), s.driver.placeholder(3),
		s.driver.placeholder(4), s.driver.placeholder(5), s.driver.placeholder(6), s.driver.placeholder(7),
	)
	if _, err := s.db.ExecContext(ctx, query, rs.Key.TenantID, rs.Key.NamespaceID, rs.Key.RunID, string(rs.Status), snap.contentHash, string(payload), snap.updatedAt.Format(time.RFC3339Nano)); err != nil {
		// A duplicate primary key is the only expected failure mode
		// here; any other driver error still surfaces as a conflict
		// since this table has no other constraint that could fail.
		return dgerr.NewConflict(fmt.Sprintf("run %s/%s already exists", rs.Key.NamespaceID, rs.Key.RunID))
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, rs dgmodel.RunState) error {
	snap, err := newSnapshot(rs, time.Now().UTC())
	if err != nil {
		return err
	}
	payload, err := canon.Marshal(rs)
	if err != nil {
		return dgerr.Wrap(dgerr.Internal, "marshal run state snapshot", err)
	}

	query := fmt.Sprintf(
		`UPDATE runs SET status = %s, content_hash = %s, snapshot = %s, updated_at = %s WHERE tenant_id = %s AND namespace_id = %s AND run_id = %s`,
		s.driver.placeholder(1), s.driver.placeholder(2), s.driver.placeholder(3), s.driver.placeholder(4),
		s.driver.placeholder(5), s.driver.placeholder(6), s.driver.placeholder(7),
	)
	res, err := s.db.ExecContext(ctx, query, string(rs.Status), snap.contentHash, string(payload), snap.updatedAt.Format(time.RFC3339Nano), rs.Key.TenantID, rs.Key.NamespaceID, rs.Key.RunID)
	if err != nil {
		return dgerr.Wrap(dgerr.ControlPlane, "update run state", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return dgerr.Wrap(dgerr.ControlPlane, "check update result", err)
	}
	if rows == 0 {
		return dgerr.NewNotFound(fmt.Sprintf("run %s/%s does not exist", rs.Key.NamespaceID, rs.Key.RunID))
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key dgmodel.RunKey) (dgmodel.RunState, error) {
	query := fmt.Sprintf(
		`SELECT snapshot, content_hash FROM runs WHERE tenant_id = %s AND namespace_id = %s AND run_id = %s`,
		s.driver.placeholder(1), s.driver.placeholder(2), s.driver.placeholder(3),
	)
	var rawSnapshot, storedHash string
	err := s.db.QueryRowContext(ctx, query, key.TenantID, key.NamespaceID, key.RunID).Scan(&rawSnapshot, &storedHash)
	if err == sql.ErrNoRows {
		return dgmodel.RunState{}, dgerr.NewNotFound(fmt.Sprintf("run %s/%s does not exist", key.NamespaceID, key.RunID))
	}
	if err != nil {
		return dgmodel.RunState{}, dgerr.Wrap(dgerr.ControlPlane, "load run state", err)
	}

	var rs dgmodel.RunState
	if err := json.Unmarshal([]byte(rawSnapshot), &rs); err != nil {
		return dgmodel.RunState{}, dgerr.Wrap(dgerr.ControlPlane, "decode run state snapshot", err)
	}
	digest, err := canon.Hash(rs)
	if err != nil {
		return dgmodel.RunState{}, dgerr.Wrap(dgerr.Internal, "hash run state", err)
	}
	if digest.String() != storedHash {
		return dgmodel.RunState{}, dgerr.NewControlPlane("run state content hash mismatch: store is corrupted")
	}
	return rs, nil
}

func (s *SQLStore) List(ctx context.Context, tenantID, namespaceID, cursor string, limit int) (ListPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	conds := make([]string, 0, 3)
	args := make([]any, 0, 3)
	addCond := func(col, val string) {
		if val == "" {
			return
		}
		conds = append(conds, fmt.Sprintf("%s = %s", col, s.driver.placeholder(len(args)+1)))
		args = append(args, val)
	}
	addCond("tenant_id", tenantID)
	addCond("namespace_id", namespaceID)
	if cursor != "" {
		conds = append(conds, fmt.Sprintf("run_id > %s", s.driver.placeholder(len(args)+1)))
		args = append(args, cursor)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + joinAnd(conds)
	}
	args = append(args, limit+1)
	query := fmt.Sprintf(
		`SELECT tenant_id, namespace_id, run_id FROM runs %s ORDER BY run_id LIMIT %s`,
		where, s.driver.placeholder(len(args)),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ListPage{}, dgerr.Wrap(dgerr.ControlPlane, "list runs", err)
	}
	defer rows.Close()

	var keys []dgmodel.RunKey
	for rows.Next() {
		var key dgmodel.RunKey
		if err := rows.Scan(&key.TenantID, &key.NamespaceID, &key.RunID); err != nil {
			return ListPage{}, dgerr.Wrap(dgerr.ControlPlane, "scan run key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return ListPage{}, dgerr.Wrap(dgerr.ControlPlane, "list runs", err)
	}

	page := ListPage{Keys: keys}
	if len(keys) > limit {
		page.Keys = keys[:limit]
		page.NextCursor = page.Keys[limit-1].RunID
	}
	return page, nil
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

func (s *SQLStore) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	query := fmt.Sprintf(
		`DELETE FROM runs WHERE updated_at < %s AND status IN (%s, %s)`,
		s.driver.placeholder(1), s.driver.placeholder(2), s.driver.placeholder(3),
	)
	res, err := s.db.ExecContext(ctx, query, cutoff, string(dgmodel.StatusCompleted), string(dgmodel.StatusFailed))
	if err != nil {
		return 0, dgerr.Wrap(dgerr.ControlPlane, "purge run states", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, dgerr.Wrap(dgerr.ControlPlane, "check purge result", err)
	}
	return int(rows), nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
