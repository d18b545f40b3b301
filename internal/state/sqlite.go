// Package state persists DirSync checkpoints and membership baselines.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
	scope TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	polled_at INTEGER NOT NULL,
	high_usn INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_groups (
	scope TEXT NOT NULL,
	group_key TEXT NOT NULL,
	PRIMARY KEY (scope, group_key)
);

CREATE TABLE IF NOT EXISTS group_members (
	scope TEXT NOT NULL,
	group_key TEXT NOT NULL,
	member_key TEXT NOT NULL,
	PRIMARY KEY (scope, group_key, member_key)
);
`

// SQLiteStore is a SQLite-backed dirsync.StateStore. Each scope holds one
// checkpoint and the member sets of its baselined groups.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ dirsync.StateStore = (*SQLiteStore)(nil)

// OpenSQLite opens the database at path. Call Init before first use.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Init enables WAL, creates missing tables and adds columns missing from
// databases written by older releases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	columns, err := s.queryStrings(ctx, `SELECT name FROM pragma_table_info('sync_state')`)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if !slices.Contains(columns, "high_usn") {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE sync_state ADD COLUMN high_usn INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add high_usn: %w", err)
		}
	}

	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the stored state of scope, or nil when there is none. A
// stored token that does not decode fails with dirsync.ErrMalformedToken.
func (s *SQLiteStore) Load(ctx context.Context, scope string) (*dirsync.State, error) {
	if scope == "" {
		return nil, errors.New("scope is required")
	}

	var (
		stored   string
		polledAt int64
		highUSN  int64
	)
	row := s.db.QueryRowContext(ctx, `SELECT token, polled_at, high_usn FROM sync_state WHERE scope = ?`, scope)
	if err := row.Scan(&stored, &polledAt, &highUSN); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query state: %w", err)
	}

	token, err := dirsync.DecodeToken(stored)
	if err != nil {
		return nil, err
	}

	membership, err := s.loadMembership(ctx, scope)
	if err != nil {
		return nil, err
	}

	state := &dirsync.State{
		Checkpoint: dirsync.Checkpoint{Token: token, HighestUSN: uint64(highUSN)},
		Membership: membership,
	}
	if polledAt != 0 {
		state.Checkpoint.PolledAt = time.Unix(0, polledAt).UTC()
	}

	return state, nil
}

func (s *SQLiteStore) loadMembership(ctx context.Context, scope string) (dirsync.MembershipSnapshot, error) {
	groups, err := s.queryStrings(ctx, `SELECT group_key FROM tracked_groups WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}

	membership := make(dirsync.MembershipSnapshot, len(groups))
	for _, group := range groups {
		membership[group] = []string{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_key, member_key
		FROM group_members
		WHERE scope = ?
		ORDER BY group_key, member_key
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var group, member string
		if err := rows.Scan(&group, &member); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if _, ok := membership[group]; !ok {
			continue
		}
		membership[group] = append(membership[group], member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}

	return membership, nil
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

// Save replaces the stored state of scope in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, scope string, state *dirsync.State) error {
	if scope == "" {
		return errors.New("scope is required")
	}
	if state == nil {
		return errors.New("state is required")
	}

	var polledAt int64
	if !state.Checkpoint.PolledAt.IsZero() {
		polledAt = state.Checkpoint.PolledAt.UnixNano()
	}

	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if _, err := transaction.ExecContext(ctx, `
		INSERT INTO sync_state (scope, token, polled_at, high_usn, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			token = excluded.token,
			polled_at = excluded.polled_at,
			high_usn = excluded.high_usn,
			updated_at = excluded.updated_at
	`, scope, dirsync.EncodeToken(state.Checkpoint.Token), polledAt, int64(state.Checkpoint.HighestUSN), s.now().Unix()); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("upsert state: %w", err)
	}

	if err := deleteMembership(ctx, transaction, scope); err != nil {
		_ = transaction.Rollback()
		return err
	}

	if err := insertMembership(ctx, transaction, scope, state.Membership); err != nil {
		_ = transaction.Rollback()
		return err
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func insertMembership(ctx context.Context, transaction *sql.Tx, scope string, membership dirsync.MembershipSnapshot) error {
	if len(membership) == 0 {
		return nil
	}

	groupStmt, err := transaction.PrepareContext(ctx, `INSERT INTO tracked_groups (scope, group_key) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare group insert: %w", err)
	}
	defer groupStmt.Close()

	memberStmt, err := transaction.PrepareContext(ctx, `
		INSERT OR IGNORE INTO group_members (scope, group_key, member_key)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare member insert: %w", err)
	}
	defer memberStmt.Close()

	for group, members := range membership {
		if _, err := groupStmt.ExecContext(ctx, scope, group); err != nil {
			return fmt.Errorf("insert group %s: %w", group, err)
		}
		for _, member := range members {
			if _, err := memberStmt.ExecContext(ctx, scope, group, member); err != nil {
				return fmt.Errorf("insert member of %s: %w", group, err)
			}
		}
	}

	return nil
}

func deleteMembership(ctx context.Context, transaction *sql.Tx, scope string) error {
	if _, err := transaction.ExecContext(ctx, `DELETE FROM group_members WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("delete members: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, `DELETE FROM tracked_groups WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("delete groups: %w", err)
	}
	return nil
}

// Delete removes everything stored for scope.
func (s *SQLiteStore) Delete(ctx context.Context, scope string) error {
	if scope == "" {
		return errors.New("scope is required")
	}

	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := deleteMembership(ctx, transaction, scope); err != nil {
		_ = transaction.Rollback()
		return err
	}

	if _, err := transaction.ExecContext(ctx, `DELETE FROM sync_state WHERE scope = ?`, scope); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("delete state: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Scopes lists the scopes that have stored state.
func (s *SQLiteStore) Scopes(ctx context.Context) ([]string, error) {
	scopes, err := s.queryStrings(ctx, `SELECT scope FROM sync_state ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	return scopes, nil
}
