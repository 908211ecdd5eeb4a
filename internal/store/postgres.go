package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/premortem/pkg/models"
)

const incidentColumns = `id, incident_id, tenant_id, service, error_signature, error_type, error_value, status, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Incidents ---

func (s *PostgresStore) FindOpenIncident(ctx context.Context, tenantID, errorSignature string) (*models.Incident, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+`
		 FROM incidents
		 WHERE tenant_id = $1 AND error_signature = $2 AND status NOT IN ('resolved', 'suppressed')
		 LIMIT 1`, tenantID, errorSignature)

	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open incident: %w", err)
	}
	return inc, nil
}

// CreateIncidentIfNoneOpen inserts the incident unless an open one already
// exists for its (tenant, signature). It reports whether a row was written.
// The check and the insert are a single statement backed by the partial
// unique index incidents_open_signature_idx.
func (s *PostgresStore) CreateIncidentIfNoneOpen(ctx context.Context, inc *models.Incident) (bool, error) {
	if inc.Status == "" {
		inc.Status = models.IncidentStatusDetected
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO incidents (incident_id, tenant_id, service, error_signature, error_type, error_value, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, error_signature) WHERE status NOT IN ('resolved', 'suppressed') DO NOTHING
		 RETURNING id, created_at, updated_at`,
		inc.IncidentID, inc.TenantID, inc.Service, inc.ErrorSignature, inc.ErrorType, inc.ErrorValue, inc.Status)

	err := row.Scan(&inc.ID, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, ErrDuplicateKey
		}
		return false, fmt.Errorf("create incident: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, tenantID, incidentID string) (*models.Incident, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE tenant_id = $1 AND incident_id = $2`,
		tenantID, incidentID)

	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

func (s *PostgresStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Service != "" {
		conditions = append(conditions, fmt.Sprintf("service = $%d", argIdx))
		args = append(args, filter.Service)
		argIdx++
	}
	if filter.Open {
		conditions = append(conditions, "status NOT IN ('resolved', 'suppressed')")
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM incidents WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count incidents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM incidents WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		incidentColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, total, rows.Err()
}

func scanIncident(row pgx.Row) (*models.Incident, error) {
	var inc models.Incident
	err := row.Scan(&inc.ID, &inc.IncidentID, &inc.TenantID, &inc.Service, &inc.ErrorSignature,
		&inc.ErrorType, &inc.ErrorValue, &inc.Status, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, last_used_at, revoked_at, created_at
		 FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix).Scan(&key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
