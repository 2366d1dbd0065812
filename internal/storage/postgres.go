package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crowdguard/internal/model"
	"crowdguard/internal/normalize"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string, loc *time.Location) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/crowd_data?sslmode=disable"
	}
	if loc == nil {
		loc = time.Local
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, loc: loc}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			timestamp TEXT,
			type TEXT NOT NULL,
			count INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			timestamp TEXT,
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

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.AlertEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (timestamp, type, count) VALUES ($1, $2, $3)`,
		s.formatTS(alert.OccurredAt),
		string(alert.Type),
		alert.Count,
	)
	return err
}

func (s *postgresStore) SaveSample(ctx context.Context, sample model.CrowdSample) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (timestamp, count) VALUES ($1, $2)`,
		s.formatTS(sample.ObservedAt),
		sample.Count,
	)
	return err
}

func (s *postgresStore) RecentAlerts(ctx context.Context, limit int) ([]normalize.Fields, error) {
	return s.queryAlerts(ctx, `SELECT id, timestamp::text, type, count FROM alerts ORDER BY id DESC LIMIT $1`, limit)
}

func (s *postgresStore) RecentCounts(ctx context.Context, limit int) ([]normalize.Fields, error) {
	return s.queryCounts(ctx, `SELECT timestamp::text, count FROM detections ORDER BY id DESC LIMIT $1`, limit)
}
