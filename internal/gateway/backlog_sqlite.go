package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/relaymux/relaymux/internal/channel"
)

// SQLiteBacklog persists the replay window so subscribers can resync across
// gateway restarts. The window is bounded by row pruning on append.
type SQLiteBacklog struct {
	db   *sql.DB
	size int
}

func NewSQLiteBacklog(dbPath string, size int) (*SQLiteBacklog, error) {
	if size <= 0 {
		size = 4096
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create backlog directory %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open backlog database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &SQLiteBacklog{db: db, size: size}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("backlog migration failed: %w", err)
	}
	return b, nil
}

func (b *SQLiteBacklog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS backlog (
		seq        INTEGER PRIMARY KEY,
		payload    TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBacklog) Append(ctx context.Context, ev channel.InboundEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO backlog (seq, payload) VALUES (?, ?)`,
		ev.Seq, string(payload),
	); err != nil {
		return fmt.Errorf("append backlog: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM backlog WHERE seq <= ? - ?`,
		ev.Seq, b.size,
	); err != nil {
		return fmt.Errorf("prune backlog: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBacklog) ReplayAfter(ctx context.Context, fromSeq uint64) ([]channel.InboundEvent, bool, error) {
	oldest, newest, err := b.Bounds(ctx)
	if err != nil {
		return nil, false, err
	}
	if newest == 0 {
		return nil, true, nil
	}
	if fromSeq+1 < oldest {
		return nil, false, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT payload FROM backlog WHERE seq > ? ORDER BY seq ASC`, fromSeq)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var out []channel.InboundEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		var ev channel.InboundEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, false, fmt.Errorf("decode backlog entry: %w", err)
		}
		out = append(out, ev)
	}
	return out, true, rows.Err()
}

func (b *SQLiteBacklog) Bounds(ctx context.Context) (uint64, uint64, error) {
	var oldest, newest sql.NullInt64
	err := b.db.QueryRowContext(ctx,
		`SELECT MIN(seq), MAX(seq) FROM backlog`).Scan(&oldest, &newest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}
	if !newest.Valid {
		return 0, 0, nil
	}
	return uint64(oldest.Int64), uint64(newest.Int64), nil
}

func (b *SQLiteBacklog) Close() error {
	return b.db.Close()
}
