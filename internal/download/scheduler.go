// Package download runs the offline download queue: admission-controlled
// transfers from the media server into the offline cache store.
package download

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonicvault/sonicvault-go/internal/catalog"
	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/monitoring"
	"github.com/sonicvault/sonicvault-go/internal/quality"
	"github.com/sonicvault/sonicvault-go/internal/store"
)

// Session reports whether a media server session is active.
type Session interface {
	HasSession() bool
}

// Config holds scheduler settings.
type Config struct {
	// MaxConcurrent bounds the number of in-flight transfers
	MaxConcurrent int
	// TransferTimeout bounds one transfer; 0 disables the timeout
	TransferTimeout time.Duration
	// DefaultQuality applies to requests that name no quality
	DefaultQuality quality.Tier
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   1,
		TransferTimeout: 10 * time.Minute,
		DefaultQuality:  quality.Default,
	}
}

// Request asks for one track to be cached.
type Request struct {
	Track            catalog.Track
	Quality          string
	IsAutoDownloaded bool
}

// Scheduler owns the queue. Every state transition happens under mu;
// transfers run on the worker pool.
type Scheduler struct {
	mu       sync.Mutex
	queue    *Queue
	idle     chan struct{}
	busy     bool
	running  bool
	finished chan struct{}

	config     Config
	store      *store.OfflineStore
	session    Session
	transferer Transferer
	pool       *WorkerPool
	progress   *ProgressTracker
	logger     *zap.Logger

	listenersMu sync.RWMutex
	listeners   []func()
}

// NewScheduler creates a scheduler. Call Start before enqueueing.
func NewScheduler(cfg Config, st *store.OfflineStore, session Session, transferer Transferer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if !quality.IsValid(string(cfg.DefaultQuality)) {
		cfg.DefaultQuality = quality.Default
	}

	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		queue:      NewQueue(),
		idle:       idle,
		config:     cfg,
		store:      st,
		session:    session,
		transferer: transferer,
		progress:   NewProgressTracker(),
		logger:     logger,
	}
	s.pool = NewWorkerPool(cfg.MaxConcurrent, s.handleJob, logger)
	return s
}

// Start starts the worker pool and the result loop.
// Items enqueued before Start are admitted now.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if s.finished != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler cannot be restarted")
	}
	if err := s.pool.Start(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	s.running = true
	s.finished = make(chan struct{})
	s.mu.Unlock()

	go s.processResults()

	s.logger.Info("Download scheduler started", zap.Int("max_concurrent", s.config.MaxConcurrent))
	s.Tick()
	return nil
}

// Stop cancels running transfers and waits for the result loop to exit.
// Items still in flight stay in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	finished := s.finished
	s.mu.Unlock()

	s.pool.Stop()
	<-finished
	s.logger.Info("Download scheduler stopped")
}

// OnRefresh registers fn to run whenever the queue drains.
func (s *Scheduler) OnRefresh(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Enqueue validates req and queues it. A request already satisfied by the
// cache completes immediately without a transfer.
func (s *Scheduler) Enqueue(req Request) (Item, error) {
	if s.session == nil || !s.session.HasSession() {
		return Item{}, apperrors.ErrNoSession
	}
	if req.Track.ID == "" {
		return Item{}, apperrors.ErrInvalidRequest
	}

	tier := s.config.DefaultQuality
	if req.Quality != "" {
		tier = quality.SafeQuality(req.Quality, s.config.DefaultQuality)
	}
	item := newItem(req.Track, tier, req.IsAutoDownloaded)

	if s.satisfied(item) {
		s.mu.Lock()
		s.queue.Finish(item)
		snapshot := *item
		s.mu.Unlock()

		monitoring.RecordDownloadSkipped(string(tier))
		s.logger.Debug("Already cached", zap.String("track_id", item.TrackID), zap.String("quality", string(tier)))
		return snapshot, nil
	}

	s.mu.Lock()
	s.queue.Enqueue(item)
	s.markBusyLocked()
	snapshot := *item
	s.mu.Unlock()

	s.logger.Info("Download queued",
		zap.String("item_id", item.ID),
		zap.String("track_id", item.TrackID),
		zap.String("quality", string(tier)))

	s.Tick()
	return snapshot, nil
}

// Tick admits pending items up to MaxConcurrent. Admitted items move to
// InFlight before any transfer starts. Nothing is admitted while stopped.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	for s.running {
		admitted := s.queue.Admit(s.config.MaxConcurrent)
		if len(admitted) == 0 {
			break
		}
		for _, item := range admitted {
			s.startLocked(item)
		}
	}
	drained := s.checkIdleLocked()
	s.mu.Unlock()

	if drained {
		s.fireRefresh()
	}
}

// startLocked either completes a newly admitted item from the cache or
// hands it to the pool.
func (s *Scheduler) startLocked(item *Item) {
	if s.satisfied(item) {
		s.queue.Complete(item.ID)
		monitoring.RecordDownloadSkipped(string(item.RequestedQuality))
		s.logger.Debug("Cached copy found at admission", zap.String("track_id", item.TrackID))
		return
	}

	job := &Job{ID: item.ID, Item: *item}
	if err := s.pool.Submit(job); err != nil {
		s.queue.Fail(item.ID, err)
		s.logger.Error("Failed to submit transfer", zap.String("item_id", item.ID), zap.Error(err))
	}
}

// satisfied reports whether the store already holds a copy good enough for item.
func (s *Scheduler) satisfied(item *Item) bool {
	record, ok := s.store.Get(item.TrackID)
	if !ok || record.LocalPath == "" {
		return false
	}
	return quality.ShouldUseDownloadedFile(record.Quality, string(item.RequestedQuality))
}

// Cancel removes pending items for trackID, or cancels its running transfer.
// A cancelled transfer ends in Failed with context.Canceled.
func (s *Scheduler) Cancel(trackID string) error {
	s.mu.Lock()
	removed, err := s.queue.Remove(trackID)
	if err == nil {
		drained := s.checkIdleLocked()
		s.mu.Unlock()

		s.logger.Info("Pending download removed", zap.String("track_id", trackID), zap.Int("items", len(removed)))
		if drained {
			s.fireRefresh()
		}
		return nil
	}

	running := s.queue.InFlightForTrack(trackID)
	s.mu.Unlock()

	if len(running) == 0 {
		return apperrors.ErrNotPending
	}
	for _, item := range running {
		if err := s.pool.CancelJob(item.ID); err != nil {
			s.logger.Debug("Transfer already finished", zap.String("item_id", item.ID), zap.Error(err))
		}
	}
	s.logger.Info("Transfer cancelled", zap.String("track_id", trackID))
	return nil
}

// Retry puts a failed item back at the end of Pending.
func (s *Scheduler) Retry(itemID string) (Item, error) {
	if s.session == nil || !s.session.HasSession() {
		return Item{}, apperrors.ErrNoSession
	}

	s.mu.Lock()
	failed, err := s.queue.TakeFailed(itemID)
	if err != nil {
		s.mu.Unlock()
		return Item{}, err
	}
	item := newItem(failed.Track, failed.RequestedQuality, failed.IsAutoDownloaded)
	s.queue.Enqueue(item)
	s.markBusyLocked()
	snapshot := *item
	s.mu.Unlock()

	s.logger.Info("Download retried", zap.String("failed_item_id", itemID), zap.String("item_id", item.ID))
	s.Tick()
	return snapshot, nil
}

// Snapshot copies the queue.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Snapshot()
}

// Counts returns the number of pending and in-flight items.
func (s *Scheduler) Counts() (pending, inFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, inFlight, _, _ = s.queue.Counts()
	return pending, inFlight
}

// ActiveTransfers reports transfers still running in the worker pool. It can
// trail InFlight while finished transfers wait to be recorded.
func (s *Scheduler) ActiveTransfers() int {
	return s.pool.GetActiveJobCount()
}

// Progress returns the running transfers keyed by playback URL.
func (s *Scheduler) Progress() map[string]Progress {
	return s.progress.Snapshot()
}

// WaitIdle blocks until nothing is pending or in flight, or ctx ends.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleJob runs on a worker goroutine.
func (s *Scheduler) handleJob(ctx context.Context, job *Job) (*store.DownloadRecord, error) {
	if s.config.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TransferTimeout)
		defer cancel()
	}

	displayName := job.Item.Track.DisplayName()
	keys := make(map[string]struct{})
	defer func() {
		for key := range keys {
			s.progress.Remove(key)
		}
	}()

	return s.transferer.Transfer(ctx, job.Item, func(url string, downloaded, total int64) {
		keys[url] = struct{}{}
		s.progress.Update(url, displayName, downloaded, total)
	})
}

// processResults turns worker results into queue transitions.
func (s *Scheduler) processResults() {
	defer close(s.finished)

	for result := range s.pool.Results() {
		s.handleResult(result)
	}
}

// discardUnrecorded removes the files of a finished transfer whose record
// could not be written. Paths still named by the stored record are kept.
func (s *Scheduler) discardUnrecorded(r store.DownloadRecord) {
	if prev, ok := s.store.Get(r.TrackID); ok {
		if r.LocalPath == prev.LocalPath || r.LocalPath == prev.ArtworkPath {
			r.LocalPath = ""
		}
		if r.ArtworkPath == prev.LocalPath || r.ArtworkPath == prev.ArtworkPath {
			r.ArtworkPath = ""
		}
	}
	discardFiles(s.store.FileSystem(), r, s.logger)
}

func (s *Scheduler) handleResult(result *Result) {
	s.mu.Lock()
	item, ok := s.queue.inFlight[result.JobID]
	var snapshot Item
	if ok {
		snapshot = *item
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Result for unknown item", zap.String("item_id", result.JobID))
		return
	}

	tier := string(snapshot.RequestedQuality)
	err := result.Error
	if err == nil && result.Record == nil {
		err = fmt.Errorf("transfer returned no record")
	}
	if err == nil {
		// store writes happen outside mu; the item stays in flight until recorded
		if err = s.store.Upsert(*result.Record); err != nil {
			s.discardUnrecorded(*result.Record)
		}
	}

	s.mu.Lock()
	if err != nil {
		s.queue.Fail(result.JobID, err)
	} else {
		s.queue.Complete(result.JobID)
	}
	s.mu.Unlock()

	if err != nil {
		errType := string(apperrors.GetErrorType(err))
		if stderrors.Is(err, context.Canceled) {
			errType = "cancelled"
		} else if stderrors.Is(err, context.DeadlineExceeded) {
			errType = "timeout"
		}
		monitoring.RecordDownloadFailed(tier, errType)
		s.logger.Error("Download failed",
			zap.String("item_id", snapshot.ID),
			zap.String("track_id", snapshot.TrackID),
			zap.Error(err))
	} else {
		record := result.Record
		monitoring.RecordDownloadComplete(tier, time.Since(snapshot.EnqueuedAt), record.FileSizeBytes)
		s.logger.Info("Download completed",
			zap.String("item_id", snapshot.ID),
			zap.String("track_id", snapshot.TrackID),
			zap.Int64("bytes", record.TotalBytes()))

		if record.IsAutoDownloaded {
			evicted := s.store.EvictOldestAuto(s.store.AutoDownloadLimit())
			if evicted.Deleted > 0 || evicted.Failed > 0 {
				s.logger.Info("Auto downloads evicted",
					zap.Int("deleted", evicted.Deleted),
					zap.Int("failed", evicted.Failed),
					zap.Int64("freed_bytes", evicted.FreedBytes))
			}
		}
	}

	s.Tick()
}

// markBusyLocked re-arms the idle channel when work arrives.
func (s *Scheduler) markBusyLocked() {
	if !s.busy {
		s.busy = true
		s.idle = make(chan struct{})
	}
	pending, inFlight, _, _ := s.queue.Counts()
	monitoring.UpdateQueueGauges(pending, inFlight)
}

// checkIdleLocked reports whether the queue just drained.
func (s *Scheduler) checkIdleLocked() bool {
	pending, inFlight, _, _ := s.queue.Counts()
	monitoring.UpdateQueueGauges(pending, inFlight)

	if !s.busy || !s.queue.Idle() {
		return false
	}
	s.busy = false
	close(s.idle)
	return true
}

func (s *Scheduler) fireRefresh() {
	s.listenersMu.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.listenersMu.RUnlock()

	s.logger.Debug("Download queue drained")
	for _, fn := range listeners {
		fn()
	}
}
