package application

import (
	"context"

	"github.com/jobrunner/rastercat/internal/ports/input"
)

// HealthService provides health check functionality.
type HealthService struct {
	manager *CatalogManager
}

// NewHealthService creates a new health service.
func NewHealthService(manager *CatalogManager) *HealthService {
	return &HealthService{
		manager: manager,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true // Basic health check
}

// IsReady returns true once a catalog is loaded. An empty catalog is ready.
func (s *HealthService) IsReady(_ context.Context) bool {
	return s.manager.Ready()
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	details := input.HealthDetails{
		Healthy:    s.IsHealthy(ctx),
		Ready:      s.IsReady(ctx),
		Components: map[string]string{"catalog": "not loaded"},
	}

	summary, err := s.manager.Summary(ctx)
	if err != nil {
		return details
	}

	details.CatalogRasters = summary.Count
	details.Fingerprint = summary.Fingerprint
	details.Components["catalog"] = "ok"
	if summary.Count == 0 {
		details.Components["catalog"] = "empty"
	}
	return details
}
