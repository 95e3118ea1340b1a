package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB implements Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path; use ":memory:" for an in-memory database.
type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_status(
			server_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			players INTEGER NOT NULL DEFAULT 0,
			tps REAL NOT NULL DEFAULT 0,
			cpu_percent REAL NOT NULL DEFAULT 0,
			memory_mb REAL NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_status_status ON server_status(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) UpsertStatus(ctx context.Context, rec Record) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_status(server_id, status, players, tps, cpu_percent, memory_mb, pid, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			status=excluded.status,
			players=excluded.players,
			tps=excluded.tps,
			cpu_percent=excluded.cpu_percent,
			memory_mb=excluded.memory_mb,
			pid=excluded.pid,
			updated_at=excluded.updated_at;`,
		rec.ServerID, rec.Status, rec.Players, rec.TPS, rec.CPUPercent, rec.MemoryMB, rec.PID, rec.UpdatedAt)
	return err
}

func (s *DB) GetStatus(ctx context.Context, serverID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, status, players, tps, cpu_percent, memory_mb, pid, updated_at
		FROM server_status WHERE server_id=?;`, serverID)
	var rec Record
	err := row.Scan(&rec.ServerID, &rec.Status, &rec.Players, &rec.TPS,
		&rec.CPUPercent, &rec.MemoryMB, &rec.PID, &rec.UpdatedAt)
	return rec, err
}

func (s *DB) ListStatuses(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, status, players, tps, cpu_percent, memory_mb, pid, updated_at
		FROM server_status ORDER BY server_id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ServerID, &rec.Status, &rec.Players, &rec.TPS,
			&rec.CPUPercent, &rec.MemoryMB, &rec.PID, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
