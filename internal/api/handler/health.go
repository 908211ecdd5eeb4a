package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/premortem/internal/api/response"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Every named dependency is pinged concurrently; any failure reports 503.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		var mu sync.Mutex
		var wg sync.WaitGroup
		results := make(map[string]string, len(checks))
		healthy := true
		for name, p := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status := "ok"
				if err := p.Ping(ctx); err != nil {
					status = "unavailable"
				}
				mu.Lock()
				defer mu.Unlock()
				results[name] = status
				if status != "ok" {
					healthy = false
				}
			}()
		}
		wg.Wait()

		if !healthy {
			response.Status(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Checks: results})
			return
		}
		response.JSON(w, healthResponse{Status: "ok", Checks: results})
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
