package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/premortem/internal/api/middleware"
	"github.com/kiranshivaraju/premortem/internal/api/response"
	"github.com/kiranshivaraju/premortem/internal/store"
	"github.com/kiranshivaraju/premortem/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// IncidentReader defines the store methods the incident handlers depend on.
type IncidentReader interface {
	GetIncident(ctx context.Context, tenantID, incidentID string) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]*models.Incident, int, error)
}

// NewListIncidentsHandler returns an http.HandlerFunc for GET /api/v1/incidents.
// Query parameters: status, service, open, page, limit.
func NewListIncidentsHandler(s IncidentReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		filter, details := parseIncidentFilter(r)
		if len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", details)
			return
		}
		filter.TenantID = tenantID

		incidents, total, err := s.ListIncidents(r.Context(), filter)
		if err != nil {
			slog.Error("list incidents", "error", err, "tenant_id", tenantID)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list incidents", nil)
			return
		}
		if incidents == nil {
			incidents = []*models.Incident{}
		}

		response.Collection(w, incidents, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewGetIncidentHandler returns an http.HandlerFunc for GET /api/v1/incidents/{incidentID}.
func NewGetIncidentHandler(s IncidentReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		incidentID := chi.URLParam(r, "incidentID")
		inc, err := s.GetIncident(r.Context(), tenantID, incidentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Incident not found", nil)
				return
			}
			slog.Error("get incident", "error", err, "tenant_id", tenantID, "incident_id", incidentID)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get incident", nil)
			return
		}

		response.JSON(w, inc)
	}
}

func parseIncidentFilter(r *http.Request) (store.IncidentFilter, map[string][]string) {
	q := r.URL.Query()
	details := map[string][]string{}
	filter := store.IncidentFilter{
		Status:  q.Get("status"),
		Service: q.Get("service"),
		Page:    1,
		Limit:   defaultPageLimit,
	}

	if filter.Status != "" && !models.IsValidStatus(filter.Status) {
		details["status"] = append(details["status"], "unknown status")
	}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			details["open"] = append(details["open"], "must be true or false")
		}
		filter.Open = open
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			details["page"] = append(details["page"], "must be a positive integer")
		}
		filter.Page = page
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageLimit {
			details["limit"] = append(details["limit"], "must be between 1 and 100")
		}
		filter.Limit = limit
	}

	return filter, details
}
