// Package models contains shared data models used across the premortem pipeline.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	IncidentStatusDetected     = "detected"
	IncidentStatusContextBuilt = "context_built"
	IncidentStatusRCAProposed  = "rca_proposed"
	IncidentStatusFixProposed  = "fix_proposed"
	IncidentStatusFixApplied   = "fix_applied"
	IncidentStatusEvaluating   = "evaluating"
	IncidentStatusResolved     = "resolved"
	IncidentStatusSuppressed   = "suppressed"
)

// IncidentStatuses lists every status in pipeline order.
var IncidentStatuses = []string{
	IncidentStatusDetected,
	IncidentStatusContextBuilt,
	IncidentStatusRCAProposed,
	IncidentStatusFixProposed,
	IncidentStatusFixApplied,
	IncidentStatusEvaluating,
	IncidentStatusResolved,
	IncidentStatusSuppressed,
}

// TerminalStatuses lists the statuses that close an incident.
var TerminalStatuses = []string{IncidentStatusResolved, IncidentStatusSuppressed}

// Incident is one open investigation per (tenant, error signature).
// At most one open incident exists for a given pair at any time.
type Incident struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	IncidentID     string    `db:"incident_id"     json:"incident_id"`
	TenantID       string    `db:"tenant_id"       json:"tenant_id"`
	Service        string    `db:"service"         json:"service"`
	ErrorSignature string    `db:"error_signature" json:"error_signature"`
	ErrorType      string    `db:"error_type"      json:"error_type"`
	ErrorValue     string    `db:"error_value"     json:"error_value"`
	Status         string    `db:"status"          json:"status"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// IsOpen reports whether the incident has not reached a terminal status.
func (i *Incident) IsOpen() bool {
	return IsOpenStatus(i.Status)
}

// IsOpenStatus reports whether status is non-terminal.
func IsOpenStatus(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return false
		}
	}
	return true
}

// IsValidStatus reports whether status is a known incident status.
func IsValidStatus(status string) bool {
	for _, s := range IncidentStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// NewIncidentID returns a fresh identifier of the form inc_<16 hex>.
func NewIncidentID() string {
	return "inc_" + shortHex()
}

// NewEventID returns a fresh identifier of the form evt_<16 hex>.
func NewEventID() string {
	return "evt_" + shortHex()
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
