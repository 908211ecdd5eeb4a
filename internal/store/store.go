package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/premortem/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// IncidentStore is the slice of the data layer the spike detector needs.
type IncidentStore interface {
	FindOpenIncident(ctx context.Context, tenantID, errorSignature string) (*models.Incident, error)
	CreateIncidentIfNoneOpen(ctx context.Context, incident *models.Incident) (bool, error)
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	IncidentStore

	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	GetIncident(ctx context.Context, tenantID, incidentID string) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, int, error)
}

type IncidentFilter struct {
	TenantID string
	Status   string
	Service  string
	Open     bool
	Page     int
	Limit    int
}
