package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncResolveCount increments the point resolve counter.
	IncResolveCount(success bool)

	// ObserveResolveDuration records point resolve duration.
	ObserveResolveDuration(duration time.Duration)

	// ObserveCandidates records how many index candidates one resolve visited.
	ObserveCandidates(count int)

	// IncRasterFailures counts rasters skipped because they could not be
	// opened or sampled. Stage is "build" or "resolve".
	IncRasterFailures(stage string)

	// SetCatalogRasters sets the number of rasters in the loaded catalog.
	SetCatalogRasters(count int)

	// ObserveBuildDuration records a catalog build.
	ObserveBuildDuration(duration time.Duration, success bool)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncResolveCount implements MetricsCollector.
func (n *NoOpMetrics) IncResolveCount(_ bool) {}

// ObserveResolveDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveResolveDuration(_ time.Duration) {}

// ObserveCandidates implements MetricsCollector.
func (n *NoOpMetrics) ObserveCandidates(_ int) {}

// IncRasterFailures implements MetricsCollector.
func (n *NoOpMetrics) IncRasterFailures(_ string) {}

// SetCatalogRasters implements MetricsCollector.
func (n *NoOpMetrics) SetCatalogRasters(_ int) {}

// ObserveBuildDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveBuildDuration(_ time.Duration, _ bool) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
