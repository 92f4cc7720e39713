package sessionlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/tsawler/chunktrain/training"
)

const createTable = `
CREATE TABLE IF NOT EXISTS chunk_history (
	session_id VARCHAR(64) NOT NULL,
	chunk INTEGER NOT NULL,
	loss DOUBLE NOT NULL,
	binary_accuracy DOUBLE NOT NULL,
	val_loss DOUBLE NOT NULL,
	val_binary_accuracy DOUBLE NOT NULL,
	elapsed_seconds BIGINT NOT NULL,
	cpu_percentage DOUBLE NOT NULL,
	ram_usage DOUBLE NOT NULL,
	available_mem DOUBLE NOT NULL,
	recorded_unix_ms BIGINT NOT NULL,
	PRIMARY KEY (session_id, chunk)
)`

const insertRow = `
INSERT INTO chunk_history (
	session_id, chunk, loss, binary_accuracy, val_loss, val_binary_accuracy,
	elapsed_seconds, cpu_percentage, ram_usage, available_mem, recorded_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRows = `
SELECT chunk, loss, binary_accuracy, val_loss, val_binary_accuracy,
	elapsed_seconds, cpu_percentage, ram_usage, available_mem
FROM chunk_history WHERE session_id = ? ORDER BY chunk`

// SQLMirror copies session log rows into a chunk_history table. Supported
// drivers are "sqlite" and "mysql".
type SQLMirror struct {
	db        *sql.DB
	sessionID string
	timeout   time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ training.SessionLog = (*SQLMirror)(nil)

// OpenSQLMirror connects to dsn and makes sure the table exists.
func OpenSQLMirror(ctx context.Context, driver, dsn, sessionID string) (*SQLMirror, error) {
	switch driver {
	case "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s ledger: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	m, err := NewSQLMirror(ctx, db, sessionID)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewSQLMirror uses an already opened database. The mirror owns db and
// closes it on Close.
func NewSQLMirror(ctx context.Context, db *sql.DB, sessionID string) (*SQLMirror, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("failed to create chunk_history table: %w", err)
	}
	return &SQLMirror{db: db, sessionID: sessionID, timeout: 5 * time.Second}, nil
}

// WriteRow inserts one row for the mirror's session.
func (m *SQLMirror) WriteRow(row training.LogRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	_, err := m.db.ExecContext(ctx, insertRow,
		m.sessionID,
		row.Chunk,
		row.Metrics.Loss,
		row.Metrics.Accuracy,
		row.Metrics.ValLoss,
		row.Metrics.ValAccuracy,
		int64(row.Elapsed/time.Second),
		row.Resource.CPUPercent,
		row.Resource.RAMPercent,
		row.Resource.RAMAvailablePercent,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk %d: %w", row.Chunk, err)
	}
	return nil
}

// Rows returns the mirrored rows of this session in chunk order.
func (m *SQLMirror) Rows(ctx context.Context) ([]training.LogRow, error) {
	rs, err := m.db.QueryContext(ctx, selectRows, m.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk_history: %w", err)
	}
	defer rs.Close()

	var rows []training.LogRow
	for rs.Next() {
		var row training.LogRow
		var elapsed int64
		if err := rs.Scan(
			&row.Chunk,
			&row.Metrics.Loss,
			&row.Metrics.Accuracy,
			&row.Metrics.ValLoss,
			&row.Metrics.ValAccuracy,
			&elapsed,
			&row.Resource.CPUPercent,
			&row.Resource.RAMPercent,
			&row.Resource.RAMAvailablePercent,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk_history row: %w", err)
		}
		row.Elapsed = time.Duration(elapsed) * time.Second
		rows = append(rows, row)
	}
	return rows, rs.Err()
}

// Close closes the database. Calls after the first return the first result.
func (m *SQLMirror) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.db.Close()
	})
	return m.closeErr
}
