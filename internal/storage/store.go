package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"crowdguard/internal/config"
	"crowdguard/internal/model"
	"crowdguard/internal/normalize"
)

// Store persists alerts and count samples using the backend's table layout (alerts,
// detections) so the same database can serve as a history source.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.AlertEvent) error
	SaveSample(ctx context.Context, sample model.CrowdSample) error
	// RecentAlerts returns up to limit alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]normalize.Fields, error)
	// RecentCounts returns up to limit samples, oldest first.
	RecentCounts(ctx context.Context, limit int) ([]normalize.Fields, error)
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig, loc *time.Location) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN, loc)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, loc)
	default:
		return nil, ErrUnsupportedDriver
	}
}

const timestampLayout = "2006-01-02 15:04:05.000000"

type baseStore struct {
	db  *sql.DB
	loc *time.Location
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) formatTS(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.In(b.loc).Format(timestampLayout)
}

func (b *baseStore) queryAlerts(ctx context.Context, query string, limit int) ([]normalize.Fields, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]normalize.Fields, 0, limit)
	for rows.Next() {
		var (
			id    int64
			ts    sql.NullString
			typ   string
			count sql.NullInt64
		)
		if err := rows.Scan(&id, &ts, &typ, &count); err != nil {
			return nil, err
		}
		f := normalize.Fields{Type: typ, Timestamp: ts.String}
		if count.Valid {
			f.Count = strconv.FormatInt(count.Int64, 10)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (b *baseStore) queryCounts(ctx context.Context, query string, limit int) ([]normalize.Fields, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]normalize.Fields, 0, limit)
	for rows.Next() {
		var (
			ts    sql.NullString
			count int64
		)
		if err := rows.Scan(&ts, &count); err != nil {
			return nil, err
		}
		out = append(out, normalize.Fields{Count: strconv.FormatInt(count, 10), Timestamp: ts.String})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// HistoryPoller serves history polls straight from a Store.
type HistoryPoller struct {
	Store      Store
	AlertLimit int
	CountLimit int
}

func (p HistoryPoller) PollRecentAlerts(ctx context.Context) ([]normalize.Fields, error) {
	return p.Store.RecentAlerts(ctx, orDefault(p.AlertLimit, 10))
}

func (p HistoryPoller) PollRecentCounts(ctx context.Context) ([]normalize.Fields, error) {
	return p.Store.RecentCounts(ctx, orDefault(p.CountLimit, 20))
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
