// Package analytics reads error aggregates and raw samples from the
// ClickHouse analytical store. It never writes.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/kiranshivaraju/premortem/internal/config"
	"github.com/kiranshivaraju/premortem/pkg/models"
)

// Store is the interface for querying the analytical store.
type Store interface {
	SpikeGroups(ctx context.Context, threshold uint64, window time.Duration) ([]models.SpikeGroup, error)
	LatestErrorDetail(ctx context.Context, tenantID, errorSignature string) (models.ErrorDetail, bool, error)
	RecentSamples(ctx context.Context, tenantID, errorSignature string, window time.Duration, limit int) ([]models.RawEventSample, error)
	FrequencyTotal(ctx context.Context, tenantID, errorSignature string, window time.Duration) (uint64, error)
	DeployMarkers(ctx context.Context, tenantID, errorSignature string, window time.Duration) ([]string, error)
	Ping(ctx context.Context) error
}

// ClickHouseStore implements Store over the native ClickHouse protocol.
type ClickHouseStore struct {
	conn    driver.Conn
	builder QueryBuilder
}

var _ Store = (*ClickHouseStore)(nil)

// Open dials ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	s := NewClickHouseStore(conn)
	if err := s.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewClickHouseStore wraps an existing connection.
func NewClickHouseStore(conn driver.Conn) *ClickHouseStore {
	return &ClickHouseStore{conn: conn}
}

func (s *ClickHouseStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAnalyticsUnreachable, err)
	}
	return nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func (s *ClickHouseStore) SpikeGroups(ctx context.Context, threshold uint64, window time.Duration) ([]models.SpikeGroup, error) {
	q := s.builder.SpikeGroups(threshold, window)

	var groups []models.SpikeGroup
	if err := s.conn.Select(ctx, &groups, q.SQL, q.Args...); err != nil {
		return nil, fmt.Errorf("spike groups: %w", classifyError(err))
	}
	return groups, nil
}

func (s *ClickHouseStore) LatestErrorDetail(ctx context.Context, tenantID, errorSignature string) (models.ErrorDetail, bool, error) {
	q := s.builder.LatestErrorDetail(tenantID, errorSignature)

	var rows []models.ErrorDetail
	if err := s.conn.Select(ctx, &rows, q.SQL, q.Args...); err != nil {
		return models.ErrorDetail{}, false, fmt.Errorf("latest error detail: %w", classifyError(err))
	}
	if len(rows) == 0 {
		return models.ErrorDetail{}, false, nil
	}
	return rows[0], true, nil
}

func (s *ClickHouseStore) RecentSamples(ctx context.Context, tenantID, errorSignature string, window time.Duration, limit int) ([]models.RawEventSample, error) {
	q := s.builder.RecentSamples(Scope{TenantID: tenantID, ErrorSignature: errorSignature, Window: window}, limit)

	var samples []models.RawEventSample
	if err := s.conn.Select(ctx, &samples, q.SQL, q.Args...); err != nil {
		return nil, fmt.Errorf("recent samples: %w", classifyError(err))
	}
	return samples, nil
}

func (s *ClickHouseStore) FrequencyTotal(ctx context.Context, tenantID, errorSignature string, window time.Duration) (uint64, error) {
	q := s.builder.FrequencyTotal(Scope{TenantID: tenantID, ErrorSignature: errorSignature, Window: window})

	var total uint64
	if err := s.conn.QueryRow(ctx, q.SQL, q.Args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("frequency total: %w", classifyError(err))
	}
	return total, nil
}

func (s *ClickHouseStore) DeployMarkers(ctx context.Context, tenantID, errorSignature string, window time.Duration) ([]string, error) {
	q := s.builder.DeployMarkers(Scope{TenantID: tenantID, ErrorSignature: errorSignature, Window: window})

	var rows []struct {
		DeployHash string `ch:"deploy_hash"`
	}
	if err := s.conn.Select(ctx, &rows, q.SQL, q.Args...); err != nil {
		return nil, fmt.Errorf("deploy markers: %w", classifyError(err))
	}

	hashes := make([]string, 0, len(rows))
	for _, r := range rows {
		hashes = append(hashes, r.DeployHash)
	}
	return hashes, nil
}
