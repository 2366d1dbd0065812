package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crowdguard/internal/model"
	"crowdguard/internal/normalize"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string, loc *time.Location) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:crowd_data.db?_pragma=busy_timeout(5000)"
	}
	if loc == nil {
		loc = time.Local
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db, loc: loc}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME,
			type VARCHAR NOT NULL,
			count INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME,
			count INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.AlertEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (timestamp, type, count) VALUES (?, ?, ?)`,
		s.formatTS(alert.OccurredAt),
		string(alert.Type),
		alert.Count,
	)
	return err
}

func (s *sqliteStore) SaveSample(ctx context.Context, sample model.CrowdSample) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (timestamp, count) VALUES (?, ?)`,
		s.formatTS(sample.ObservedAt),
		sample.Count,
	)
	return err
}

func (s *sqliteStore) RecentAlerts(ctx context.Context, limit int) ([]normalize.Fields, error) {
	return s.queryAlerts(ctx, `SELECT id, CAST(timestamp AS TEXT), type, count FROM alerts ORDER BY id DESC LIMIT ?`, limit)
}

func (s *sqliteStore) RecentCounts(ctx context.Context, limit int) ([]normalize.Fields, error) {
	return s.queryCounts(ctx, `SELECT CAST(timestamp AS TEXT), count FROM detections ORDER BY id DESC LIMIT ?`, limit)
}
