package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("history database ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts r and prunes everything but the newest max rows in one
// transaction.
func (s *sqliteStore) Append(ctx context.Context, r speedtest.Result, max int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if max <= 0 {
		max = speedtest.DefaultHistoryCap
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO results(id, date, download, upload, ping, server, duration_ms, download_bytes, upload_bytes)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.DownloadMbps, r.UploadMbps, r.PingMs,
		nullStr(r.Server), r.Duration.Milliseconds(), r.DownloadBytes, r.UploadBytes,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM results WHERE seq NOT IN (SELECT seq FROM results ORDER BY seq DESC LIMIT ?)`, max)
	if err != nil {
		return fmt.Errorf("prune results: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("history pruned", logx.Int64("rows", n), logx.Int("cap", max))
	}
	return nil
}

// Recent returns up to n results, newest first.
func (s *sqliteStore) Recent(ctx context.Context, n int) ([]speedtest.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = speedtest.DefaultHistoryCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, download, upload, ping, server, duration_ms, download_bytes, upload_bytes
		 FROM results ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []speedtest.Result
	for rows.Next() {
		var (
			r      speedtest.Result
			date   string
			server sql.NullString
			durMS  int64
		)
		if err := rows.Scan(&r.ID, &date, &r.DownloadMbps, &r.UploadMbps, &r.PingMs, &server, &durMS, &r.DownloadBytes, &r.UploadBytes); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, date)
		if err != nil {
			s.log.Warn("skipping row with bad date", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		r.Timestamp = ts
		r.Server = server.String
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
