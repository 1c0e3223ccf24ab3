package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Drivers selectable through persistence.driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stateflowio/stateflow/pkg/db"
)

// SQLProvider is the relational Provider: one row per machine id, upsert by
// primary key. Timestamps are stored as microseconds since epoch so the
// same statements work across sqlite and postgres drivers.
type SQLProvider struct {
	pool  *db.Pool
	table string
}

// NewSQLProvider creates the provider and applies the schema.
func NewSQLProvider(pool *db.Pool, table string) (*SQLProvider, error) {
	if table == "" {
		table = "machines"
	}
	p := &SQLProvider{pool: pool, table: table}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("persistence schema: %w", err)
	}
	return p, nil
}

func (p *SQLProvider) migrate() error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		machine_id        TEXT PRIMARY KEY,
		context_blob      BYTEA_OR_BLOB NOT NULL,
		current_state     TEXT NOT NULL,
		last_state_change BIGINT NOT NULL,
		is_complete       BOOLEAN NOT NULL,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL
	)`, p.table)
	if p.postgres() {
		stmt = strings.Replace(stmt, "BYTEA_OR_BLOB", "BYTEA", 1)
	} else {
		stmt = strings.Replace(stmt, "BYTEA_OR_BLOB", "BLOB", 1)
	}
	_, err := p.pool.DB().Exec(stmt)
	return err
}

func (p *SQLProvider) postgres() bool {
	return db.IsPostgres(p.pool.DriverName())
}

func (p *SQLProvider) rebind(query string) string {
	return db.Rebind(p.pool.DriverName(), query)
}

// Save upserts the record and is durable on return.
func (p *SQLProvider) Save(ctx context.Context, rec Record) error {
	now := time.Now().UnixMicro()
	query := p.rebind(fmt.Sprintf(`
		INSERT INTO %s (machine_id, context_blob, current_state, last_state_change, is_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (machine_id) DO UPDATE SET
			context_blob      = excluded.context_blob,
			current_state     = excluded.current_state,
			last_state_change = excluded.last_state_change,
			is_complete       = excluded.is_complete,
			updated_at        = excluded.updated_at`, p.table))

	_, err := p.pool.DB().ExecContext(ctx, query,
		rec.MachineID, rec.Context, rec.CurrentState,
		rec.LastStateChange.UnixMicro(), rec.IsComplete, now, now)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Load returns the last saved record or ErrNotFound.
func (p *SQLProvider) Load(ctx context.Context, machineID string) (Record, error) {
	query := p.rebind(fmt.Sprintf(`
		SELECT machine_id, context_blob, current_state, last_state_change, is_complete, created_at, updated_at
		FROM %s WHERE machine_id = ?`, p.table))
	return p.scanOne(p.pool.DB().QueryRowContext(ctx, query, machineID))
}

// Delete removes the row; missing ids are ignored.
func (p *SQLProvider) Delete(ctx context.Context, machineID string) error {
	query := p.rebind(fmt.Sprintf(`DELETE FROM %s WHERE machine_id = ?`, p.table))
	if _, err := p.pool.DB().ExecContext(ctx, query, machineID); err != nil {
		return classify(err)
	}
	return nil
}

// Exists reports whether a row is stored for the id.
func (p *SQLProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	query := p.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE machine_id = ?`, p.table))
	var one int
	err := p.pool.DB().QueryRowContext(ctx, query, machineID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// ListComplete returns every row flagged complete, for the archiver's
// startup scan.
func (p *SQLProvider) ListComplete(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT machine_id, context_blob, current_state, last_state_change, is_complete, created_at, updated_at
		FROM %s WHERE is_complete`, p.table)
	rows, err := p.pool.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Close closes the underlying pool.
func (p *SQLProvider) Close() error {
	return p.pool.Close()
}

func (p *SQLProvider) scanOne(row *sql.Row) (Record, error) {
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, classify(err)
	}
	return rec, nil
}

func scanRecord(scan func(dest ...interface{}) error) (Record, error) {
	var rec Record
	var lastChange, createdAt, updatedAt int64
	if err := scan(&rec.MachineID, &rec.Context, &rec.CurrentState, &lastChange, &rec.IsComplete, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.LastStateChange = time.UnixMicro(lastChange)
	rec.CreatedAt = time.UnixMicro(createdAt)
	rec.UpdatedAt = time.UnixMicro(updatedAt)
	return rec, nil
}

// classify maps driver errors to the retry taxonomy. Context cancellation
// passes through; everything else is treated as transient and left to the
// retry policy to escalate.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return Fatal(err)
	}
	return Transient(err)
}
