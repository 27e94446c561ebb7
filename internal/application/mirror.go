package application

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jobrunner/rastercat/internal/ports/output"
)

// MirrorResult contains the result of a mirror pass.
type MirrorResult struct {
	Downloaded      int       `json:"downloaded"`
	Unchanged       int       `json:"unchanged"`
	Failed          int       `json:"failed"`
	MirroredAt      time.Time `json:"mirrored_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// MirrorService copies raster objects from remote storage into the local
// raster directory, periodically or on demand. When a pass changes local
// files the onChange callback runs, typically a catalog rebuild.
type MirrorService struct {
	storage  output.ObjectStorage
	localDir string
	interval time.Duration
	onChange func(ctx context.Context) error
	metrics  output.MetricsCollector
	logger   *slog.Logger

	// Lifecycle management
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Rate limiting for API triggers
	lastTrigger time.Time
	triggerMu   sync.Mutex

	// Prevents concurrent mirror passes
	passMu sync.Mutex

	// Track next scheduled pass for reporting
	nextPass time.Time
	nextMu   sync.RWMutex
}

// NewMirrorService creates a new mirror service. onChange may be nil.
func NewMirrorService(
	storage output.ObjectStorage,
	localDir string,
	interval time.Duration,
	onChange func(ctx context.Context) error,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *MirrorService {
	return &MirrorService{
		storage:  storage,
		localDir: localDir,
		interval: interval,
		onChange: onChange,
		metrics:  metrics,
		logger:   logger,
		stopCh:   make(chan struct{}),
		// Initialize to past time to allow an immediate first trigger
		lastTrigger: time.Now().Add(-triggerCooldown - time.Second),
	}
}

// Start begins the periodic mirror scheduler. A zero interval disables it.
func (s *MirrorService) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.logger.Info("starting mirror service", "interval", s.interval, "dir", s.localDir)

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *MirrorService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextPass(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("mirror service stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("mirror service stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled mirror triggered")
			if _, err := s.Mirror(ctx); err != nil {
				s.logger.Error("mirror failed", "error", err)
			}
			s.setNextPass(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the mirror service.
func (s *MirrorService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping mirror service")
		close(s.stopCh)
	})
	s.wg.Wait()
}

// TriggerMirror runs a mirror pass with rate limiting.
// Returns ErrRateLimited if called again within the cooldown.
func (s *MirrorService) TriggerMirror(ctx context.Context) (MirrorResult, error) {
	s.triggerMu.Lock()
	if time.Since(s.lastTrigger) < triggerCooldown {
		s.triggerMu.Unlock()
		return MirrorResult{}, ErrRateLimited
	}
	s.lastTrigger = time.Now()
	s.triggerMu.Unlock()

	return s.Mirror(ctx)
}

// Mirror downloads every remote object whose local copy is missing or has
// a different known size. Per-object failures are logged and counted.
func (s *MirrorService) Mirror(ctx context.Context) (MirrorResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	objects, err := s.storage.List(ctx)
	if err != nil {
		return MirrorResult{}, err
	}

	result := MirrorResult{}
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return MirrorResult{}, err
		}

		localPath, ok := s.localPath(obj.Key)
		if !ok {
			s.logger.Warn("skipping object outside mirror directory", "key", obj.Key)
			result.Failed++
			continue
		}

		// A negative size is unknown; such objects are kept once present.
		if info, err := os.Stat(localPath); err == nil && (obj.Size < 0 || info.Size() == obj.Size) {
			result.Unchanged++
			continue
		}

		start := time.Now()
		err := s.storage.Download(ctx, obj.Key, localPath)
		s.metrics.IncStorageOperations("mirror_download", err == nil)
		s.metrics.ObserveStorageDuration("mirror_download", time.Since(start))
		if err != nil {
			s.logger.Error("failed to download raster", "key", obj.Key, "error", err)
			result.Failed++
			continue
		}

		s.logger.Debug("raster mirrored", "key", obj.Key, "path", localPath)
		result.Downloaded++
	}

	result.MirroredAt = time.Now()
	result.NextScheduledAt = s.getNextPass()
	s.logger.Info("mirror completed",
		"downloaded", result.Downloaded,
		"unchanged", result.Unchanged,
		"failed", result.Failed,
	)

	if result.Downloaded > 0 && s.onChange != nil {
		if err := s.onChange(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

// localPath maps an object key into the mirror directory, rejecting keys
// that would escape it.
func (s *MirrorService) localPath(key string) (string, bool) {
	path := filepath.Join(s.localDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.localDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

func (s *MirrorService) setNextPass(t time.Time) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	s.nextPass = t
}

func (s *MirrorService) getNextPass() time.Time {
	s.nextMu.RLock()
	defer s.nextMu.RUnlock()
	return s.nextPass
}
