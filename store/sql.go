package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"PotholeDetServer/report"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQL keeps each report as a JSON document in the reports table. The same
// statements serve sqlite and postgres; only the placeholder style differs.
type SQL struct {
	db          *sql.DB
	log         *zap.Logger
	placeholder func(n int) string
}

func OpenSQLite(path string, log *zap.Logger) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under concurrent sets
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	if err := migrateSQLite(db, log); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("sqlite report store ready", zap.String("path", path))
	return &SQL{db: db, log: log, placeholder: func(int) string { return "?" }}, nil
}

func OpenPostgres(dsn string, log *zap.Logger) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migratePostgres(db, log); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("postgres report store ready")
	return &SQL{db: db, log: log, placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}, nil
}

func (s *SQL) Set(ctx context.Context, r report.Report) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO reports (video_id, timestamp, document) VALUES (%s, %s, %s)
		ON CONFLICT (video_id) DO UPDATE SET timestamp = excluded.timestamp, document = excluded.document`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	if _, err := s.db.ExecContext(ctx, q, r.VideoID, r.Timestamp, string(doc)); err != nil {
		return fmt.Errorf("upsert report %s: %w", r.VideoID, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, videoID string) (report.Report, error) {
	q := fmt.Sprintf(`SELECT document FROM reports WHERE video_id = %s`, s.placeholder(1))
	var doc string
	if err := s.db.QueryRowContext(ctx, q, videoID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return report.Report{}, ErrNotFound
		}
		return report.Report{}, fmt.Errorf("query report %s: %w", videoID, err)
	}
	return decodeDocument(doc)
}

func (s *SQL) List(ctx context.Context, limit int) ([]report.Report, error) {
	q := fmt.Sprintf(`SELECT document FROM reports ORDER BY timestamp DESC, video_id ASC LIMIT %s`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	out := make([]report.Report, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r, err := decodeDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func decodeDocument(doc string) (report.Report, error) {
	var r report.Report
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return report.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}
