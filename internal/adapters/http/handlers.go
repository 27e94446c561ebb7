package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/rastercat/internal/application"
	"github.com/jobrunner/rastercat/internal/domain"
)

// maxBatchBodyBytes is the per-point body allowance of a batch query. It
// leaves room for indented JSON with full-precision projected coordinates;
// the point count itself is checked after decoding.
const maxBatchBodyBytes = 256

// batchRequest is the body of POST /api/v1/features.
type batchRequest struct {
	Points []domain.QueryPoint `json:"points"`
}

// handleFeatures resolves the features at a single point.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	point, err := parsePoint(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	features, err := s.services.Resolver.Resolve(r.Context(), point)
	if err != nil {
		s.handleServiceError(w, r, err, "Resolve failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"point":    point,
		"features": features,
		"count":    features.Len(),
	})
}

// handleFeaturesBatch resolves the features of many points.
func (s *Server) handleFeaturesBatch(w http.ResponseWriter, r *http.Request) {
	limit := s.config.MaxBatchPoints
	r.Body = http.MaxBytesReader(w, r.Body, int64(limit)*maxBatchBodyBytes+1024)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d points per request", limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: expected {\"points\": [{\"x\": ..., \"y\": ...}]}")
		return
	}
	if len(req.Points) == 0 {
		s.writeError(w, http.StatusBadRequest, "points must not be empty")
		return
	}
	if len(req.Points) > limit {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d points per request", limit))
		return
	}

	results, err := s.services.Resolver.ResolveBatch(r.Context(), req.Points)
	if err != nil {
		s.handleServiceError(w, r, err, "Resolve failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.services.Health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":          boolToStatus(details.Healthy),
		"ready":           details.Ready,
		"catalog_rasters": details.CatalogRasters,
		"fingerprint":     details.Fingerprint,
		"components":      details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleCatalog returns the catalog summary.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	summary, err := s.services.Catalog.Summary(r.Context())
	if err != nil {
		s.handleServiceError(w, r, err, "Failed to read catalog")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleListRasters returns the catalog's descriptors, optionally filtered
// by ?feature_type=.
func (s *Server) handleListRasters(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.services.Catalog.Descriptors(r.Context())
	if err != nil {
		s.handleServiceError(w, r, err, "Failed to list rasters")
		return
	}

	if ft := domain.FeatureType(r.URL.Query().Get("feature_type")); ft != "" {
		filtered := descriptors[:0]
		for _, d := range descriptors {
			if d.FeatureType == ft {
				filtered = append(filtered, d)
			}
		}
		descriptors = filtered
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rasters": descriptors,
		"count":   len(descriptors),
	})
}

// handleGetRaster returns a single descriptor.
func (s *Server) handleGetRaster(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid raster id")
		return
	}

	descriptor, err := s.services.Catalog.Descriptor(r.Context(), id)
	if err != nil {
		s.handleServiceError(w, r, err, "Failed to get raster")
		return
	}
	s.writeJSON(w, http.StatusOK, descriptor)
}

// handleCoverage returns the raster footprints as a GeoJSON feature
// collection in the catalog's CRS.
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.services.Catalog.Descriptors(r.Context())
	if err != nil {
		s.handleServiceError(w, r, err, "Failed to read catalog")
		return
	}

	fc := coverageCollection(descriptors, r.URL.Query().Get("feature_type"))
	data, err := fc.MarshalJSON()
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to encode coverage", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to encode coverage")
		return
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// coverageCollection builds one polygon feature per descriptor.
func coverageCollection(descriptors []domain.RasterDescriptor, featureType string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, d := range descriptors {
		if featureType != "" && string(d.FeatureType) != featureType {
			continue
		}
		f := geojson.NewFeature(d.Bounds.Bound().ToPolygon())
		f.ID = d.ID
		f.Properties["id"] = d.ID
		f.Properties["feature_type"] = string(d.FeatureType)
		f.Properties["name"] = d.Name()
		f.Properties["crs"] = d.CRS
		fc.Append(f)
	}
	return fc
}

// handleRebuild triggers a catalog rebuild.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	result, err := s.services.Rebuilder.TriggerRebuild(r.Context())
	if err != nil {
		s.handleServiceError(w, r, err, "Rebuild failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleMirror triggers a mirror pass from remote storage.
func (s *Server) handleMirror(w http.ResponseWriter, r *http.Request) {
	result, err := s.services.Mirror.TriggerMirror(r.Context())
	if err != nil {
		s.handleServiceError(w, r, err, "Mirror failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleOpenAPI returns the OpenAPI specification.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec, err := getOpenAPIJSON()
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// parsePoint reads the x and y query parameters. Both are required.
func parsePoint(r *http.Request) (domain.QueryPoint, error) {
	q := r.URL.Query()

	coords := make([]float64, 2)
	for i, name := range []string{"x", "y"} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return domain.QueryPoint{}, fmt.Errorf("x and y are required: %w", domain.ErrInvalidCoordinate)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.QueryPoint{}, fmt.Errorf("invalid %s parameter: %w", name, domain.ErrInvalidCoordinate)
		}
		coords[i] = v
	}

	point := domain.NewQueryPoint(coords[0], coords[1])
	if err := point.Validate(); err != nil {
		return domain.QueryPoint{}, err
	}
	return point, nil
}

// handleServiceError maps application errors to HTTP status codes.
func (s *Server) handleServiceError(w http.ResponseWriter, r *http.Request, err error, message string) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, application.ErrRateLimited):
		w.Header().Set("Retry-After", "30")
		s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
	case errors.Is(err, domain.ErrCatalogNotReady):
		s.writeError(w, http.StatusServiceUnavailable, "Catalog not loaded")
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), strings.ToLower(message), "error", err)
		s.writeError(w, http.StatusInternalServerError, message)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
