// Package history moves completed machines out of the active store and into
// a write-once archive. The move is atomic: an id is never visible in both
// the active table and the archive, and never lost between them.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stateflowio/stateflow/pkg/db"
	"github.com/stateflowio/stateflow/pkg/persistence"
)

// ErrNotFound is returned when no archive entry exists for an id.
var ErrNotFound = errors.New("history: entry not found")

// Entry is one archived machine.
type Entry struct {
	MachineID       string    `json:"machineId"`
	Context         []byte    `json:"context"`
	FinalState      string    `json:"finalState"`
	LastStateChange time.Time `json:"lastStateChange"`
	CreatedAt       time.Time `json:"createdAt"`
	ArchivedAt      time.Time `json:"archivedAt"`
}

// Store is the archive backend.
type Store interface {
	// ArchiveMove inserts the entry and deletes the active record for the
	// same id in one atomic step.
	ArchiveMove(ctx context.Context, entry Entry) error

	// Load returns the archived entry for an id, or ErrNotFound.
	Load(ctx context.Context, machineID string) (Entry, error)

	// Prune deletes entries archived before the cutoff and returns how many
	// rows were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// SQLStore archives into a relational table. When the active machines table
// lives in the same database, the insert+delete runs in one transaction;
// with a sharded active store the delete goes through the provider instead,
// because the active row may live in a different database than the archive.
type SQLStore struct {
	pool        *db.Pool
	table       string
	activeTable string
	active      persistence.Provider
}

// StoreOption configures a SQLStore.
type StoreOption func(*SQLStore)

// WithActiveProvider routes the move's active-row delete through the
// provider instead of a same-database DELETE. Required whenever the active
// store spans databases the archive pool cannot reach (sharding). The move
// degrades from one transaction to insert-then-delete; a crash between the
// two leaves the complete active row behind, which the startup scan
// re-enqueues and the upsert makes idempotent.
func WithActiveProvider(p persistence.Provider) StoreOption {
	return func(s *SQLStore) { s.active = p }
}

// NewSQLStore creates the store and applies the schema. activeTable is the
// persistence provider's table the move deletes from; it is ignored when an
// active provider is configured.
func NewSQLStore(pool *db.Pool, table, activeTable string, opts ...StoreOption) (*SQLStore, error) {
	if table == "" {
		table = "machine_history"
	}
	if activeTable == "" {
		activeTable = "machines"
	}
	s := &SQLStore{pool: pool, table: table, activeTable: activeTable}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		machine_id        TEXT PRIMARY KEY,
		context_blob      BYTEA_OR_BLOB NOT NULL,
		final_state       TEXT NOT NULL,
		last_state_change BIGINT NOT NULL,
		created_at        BIGINT NOT NULL,
		archived_at       BIGINT NOT NULL
	)`, s.table)
	if s.postgres() {
		stmt = strings.Replace(stmt, "BYTEA_OR_BLOB", "BYTEA", 1)
	} else {
		stmt = strings.Replace(stmt, "BYTEA_OR_BLOB", "BLOB", 1)
	}
	if _, err := s.pool.DB().Exec(stmt); err != nil {
		return err
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_archived_at ON %s (archived_at)`, s.table, s.table)
	_, err := s.pool.DB().Exec(idx)
	return err
}

func (s *SQLStore) postgres() bool {
	return db.IsPostgres(s.pool.DriverName())
}

func (s *SQLStore) rebind(query string) string {
	return db.Rebind(s.pool.DriverName(), query)
}

// ArchiveMove moves one entry out of the active store. With a same-database
// active table the insert and delete run in one transaction; with an active
// provider the insert commits first and the provider delete follows.
// Re-archiving an id overwrites the previous entry, which makes the startup
// scan's re-enqueue idempotent.
func (s *SQLStore) ArchiveMove(ctx context.Context, entry Entry) error {
	insert := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (machine_id, context_blob, final_state, last_state_change, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (machine_id) DO UPDATE SET
			context_blob      = excluded.context_blob,
			final_state       = excluded.final_state,
			last_state_change = excluded.last_state_change,
			archived_at       = excluded.archived_at`, s.table))

	archivedAt := entry.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now()
	}
	args := []interface{}{
		entry.MachineID, entry.Context, entry.FinalState,
		entry.LastStateChange.UnixMicro(), entry.CreatedAt.UnixMicro(), archivedAt.UnixMicro(),
	}

	if s.active != nil {
		if _, err := s.pool.DB().ExecContext(ctx, insert, args...); err != nil {
			return classify(err)
		}
		return s.active.Delete(ctx, entry.MachineID)
	}

	tx, err := s.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return classify(err)
	}

	del := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE machine_id = ?`, s.activeTable))
	if _, err := tx.ExecContext(ctx, del, entry.MachineID); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// Load returns the archived entry for an id.
func (s *SQLStore) Load(ctx context.Context, machineID string) (Entry, error) {
	query := s.rebind(fmt.Sprintf(`
		SELECT machine_id, context_blob, final_state, last_state_change, created_at, archived_at
		FROM %s WHERE machine_id = ?`, s.table))

	var entry Entry
	var lastChange, createdAt, archivedAt int64
	err := s.pool.DB().QueryRowContext(ctx, query, machineID).Scan(
		&entry.MachineID, &entry.Context, &entry.FinalState, &lastChange, &createdAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, classify(err)
	}
	entry.LastStateChange = time.UnixMicro(lastChange)
	entry.CreatedAt = time.UnixMicro(createdAt)
	entry.ArchivedAt = time.UnixMicro(archivedAt)
	return entry, nil
}

// Prune deletes entries archived before the cutoff.
func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE archived_at < ?`, s.table))
	res, err := s.pool.DB().ExecContext(ctx, query, cutoff.UnixMicro())
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return persistence.Fatal(err)
	}
	return persistence.Transient(err)
}
