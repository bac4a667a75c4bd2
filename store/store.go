// Package store persists hazard reports in a document store keyed by video id.
package store

import (
	"context"
	"errors"
	"fmt"

	"PotholeDetServer/config"
	"PotholeDetServer/report"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("store: report not found")

const DefaultListLimit = 50

// ReportStore writes one document per video. Set overwrites an existing
// document with the same id.
type ReportStore interface {
	Set(ctx context.Context, r report.Report) error
	Get(ctx context.Context, videoID string) (report.Report, error)
	// List returns the newest reports first. limit <= 0 means DefaultListLimit.
	List(ctx context.Context, limit int) ([]report.Report, error)
	Close() error
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (ReportStore, error) {
	log = log.With(zap.String("store", cfg.Backend))
	var (
		s   ReportStore
		err error
	)
	switch cfg.Backend {
	case "memory":
		s = NewMemory()
	case "sqlite":
		s, err = unwrap(OpenSQLite(cfg.SQLitePath, log))
	case "postgres":
		s, err = unwrap(OpenPostgres(cfg.PostgresDSN, log))
	case "firestore":
		s, err = unwrap(OpenFirestore(ctx, cfg.ProjectID, cfg.Collection, []byte(cfg.FirebaseKeyJSON), log))
	default:
		err = fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// unwrap keeps a typed nil pointer from turning into a non-nil interface.
func unwrap[T ReportStore](s T, err error) (ReportStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
