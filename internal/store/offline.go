package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/fsys"
	"github.com/sonicvault/sonicvault-go/internal/migration"
	"github.com/sonicvault/sonicvault-go/internal/monitoring"
)

// Key-value slots owned by the offline store.
const (
	KeyRecords           = "offline.records"
	KeyRecordsCorrupt    = "offline.records.corrupt"
	KeyAutoDownloadLimit = "offline.auto_download_limit"
)

// DefaultAutoDownloadLimit applies when no limit has been stored.
const DefaultAutoDownloadLimit = 20

// DownloadRecord describes one track cached on the device.
type DownloadRecord struct {
	TrackID          string    `json:"track_id"`
	LocalPath        string    `json:"local_path"`
	ArtworkPath      string    `json:"artwork_path,omitempty"`
	Quality          string    `json:"quality"`
	SavedAt          time.Time `json:"saved_at"`
	IsAutoDownloaded bool      `json:"is_auto_downloaded"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	ArtworkSizeBytes int64     `json:"artwork_size_bytes"`
	Checksum         string    `json:"checksum,omitempty"`
	Title            string    `json:"title,omitempty"`
	Artist           string    `json:"artist,omitempty"`
	Album            string    `json:"album,omitempty"`
}

// TotalBytes is audio plus artwork size.
func (r DownloadRecord) TotalBytes() int64 {
	return r.FileSizeBytes + r.ArtworkSizeBytes
}

// DeleteResult aggregates a bulk delete. Per-record failures never abort the batch.
type DeleteResult struct {
	Deleted    int      `json:"deleted"`
	Failed     int      `json:"failed"`
	FreedBytes int64    `json:"freed_bytes"`
	FailedIDs  []string `json:"failed_ids,omitempty"`
}

// ChangeListener receives the record set after every successful write.
type ChangeListener func(records []DownloadRecord)

// OfflineStore owns the download records. All reads and writes of the
// record blob are serialized by mu.
type OfflineStore struct {
	mu       sync.Mutex
	kv       KeyValueStore
	fs       fsys.FileSystem
	migrator *migration.Migrator
	logger   *zap.Logger

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// NewOfflineStore creates a store persisting into kv and removing files through fs.
func NewOfflineStore(kv KeyValueStore, fs fsys.FileSystem, logger *zap.Logger) *OfflineStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfflineStore{
		kv:       kv,
		fs:       fs,
		migrator: migration.NewMigrator(logger),
		logger:   logger,
	}
}

// FileSystem returns the filesystem collaborator.
func (s *OfflineStore) FileSystem() fsys.FileSystem {
	return s.fs
}

// OnChange registers fn to run after every successful write.
func (s *OfflineStore) OnChange(fn ChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// List returns all records. A missing or unreadable blob yields an empty list.
func (s *OfflineStore) List() []DownloadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns the record for trackID.
func (s *OfflineStore) Get(trackID string) (DownloadRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.load() {
		if r.TrackID == trackID {
			return r, true
		}
	}
	return DownloadRecord{}, false
}

// Upsert appends record or replaces the one with the same TrackID.
func (s *OfflineStore) Upsert(record DownloadRecord) error {
	if record.TrackID == "" {
		return apperrors.NewValidationError("download record requires a track id")
	}
	if record.SavedAt.IsZero() {
		record.SavedAt = time.Now().UTC()
	}

	s.mu.Lock()
	records := s.load()
	replaced := false
	for i := range records {
		if records[i].TrackID == record.TrackID {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}
	err := s.save(records)
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.logger.Debug("Saved offline record",
		zap.String("track_id", record.TrackID),
		zap.String("quality", record.Quality),
		zap.Bool("replaced", replaced),
	)
	s.notify(records)
	return nil
}

// DeleteByIDs removes the files and records of ids. A record whose file
// cannot be unlinked is kept and counted as failed. Unknown ids are ignored.
func (s *OfflineStore) DeleteByIDs(ids []string) DeleteResult {
	s.mu.Lock()
	result, remaining, changed := s.deleteLocked(ids)
	s.mu.Unlock()

	if changed {
		s.notify(remaining)
	}
	return result
}

// Clear deletes every record. The blob itself is removed when nothing failed.
func (s *OfflineStore) Clear() DeleteResult {
	s.mu.Lock()
	records := s.load()
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.TrackID)
	}

	result, remaining, changed := s.deleteLocked(ids)
	if result.Failed == 0 {
		if err := s.kv.Remove(KeyRecords); err != nil {
			s.logger.Error("Failed to remove offline record blob", zap.Error(err))
		} else {
			monitoring.UpdateCacheGauges(0, 0)
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(remaining)
	}
	return result
}

// EvictOldestAuto deletes auto-downloaded records, oldest first, until at
// most limit remain. Manually downloaded records are never touched.
func (s *OfflineStore) EvictOldestAuto(limit int) DeleteResult {
	if limit < 0 {
		limit = 0
	}

	s.mu.Lock()
	var auto []DownloadRecord
	for _, r := range s.load() {
		if r.IsAutoDownloaded {
			auto = append(auto, r)
		}
	}

	excess := len(auto) - limit
	if excess <= 0 {
		s.mu.Unlock()
		return DeleteResult{}
	}

	sort.SliceStable(auto, func(i, j int) bool {
		return auto[i].SavedAt.Before(auto[j].SavedAt)
	})

	ids := make([]string, 0, excess)
	for _, r := range auto[:excess] {
		ids = append(ids, r.TrackID)
	}

	result, remaining, changed := s.deleteLocked(ids)
	s.mu.Unlock()

	s.logger.Info("Evicted auto-downloaded records",
		zap.Int("limit", limit),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
	)

	if changed {
		s.notify(remaining)
	}
	return result
}

// AutoDownloadLimit returns the stored limit, or DefaultAutoDownloadLimit.
func (s *OfflineStore) AutoDownloadLimit() int {
	n, ok, err := s.kv.GetInt(KeyAutoDownloadLimit)
	if err != nil {
		s.logger.Warn("Failed to read auto-download limit, using default", zap.Error(err))
		return DefaultAutoDownloadLimit
	}
	if !ok || n < 0 {
		return DefaultAutoDownloadLimit
	}
	return n
}

// SetAutoDownloadLimit stores the auto-download limit.
func (s *OfflineStore) SetAutoDownloadLimit(n int) error {
	if n < 0 {
		return apperrors.NewValidationError("auto-download limit cannot be negative")
	}
	if err := s.kv.SetInt(KeyAutoDownloadLimit, n); err != nil {
		return apperrors.NewStorageError("failed to store auto-download limit", err)
	}
	return nil
}

// deleteLocked must be called with mu held. changed reports whether the
// blob was rewritten.
func (s *OfflineStore) deleteLocked(ids []string) (DeleteResult, []DownloadRecord, bool) {
	var result DeleteResult

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	records := s.load()
	remaining := make([]DownloadRecord, 0, len(records))
	for _, r := range records {
		if _, ok := wanted[r.TrackID]; !ok {
			remaining = append(remaining, r)
			continue
		}

		freed, err := s.removeFiles(r)
		if err != nil {
			s.logger.Warn("Failed to delete offline files",
				zap.String("track_id", r.TrackID),
				zap.Error(err),
			)
			monitoring.RecordError(string(apperrors.ErrTypeFileSystem))
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, r.TrackID)
			remaining = append(remaining, r)
			continue
		}

		result.Deleted++
		result.FreedBytes += freed
	}

	monitoring.RecordCacheDeletions(result.Deleted, result.Failed)

	if result.Deleted == 0 {
		return result, remaining, false
	}

	if err := s.save(remaining); err != nil {
		s.logger.Error("Failed to write offline records after delete",
			zap.Int("deleted", result.Deleted),
			zap.Error(err),
		)
		return result, remaining, false
	}

	return result, remaining, true
}

// removeFiles unlinks the artwork then the audio of r and returns the bytes
// freed. The audio goes last so a failure never leaves a record whose audio
// is gone. A file already gone frees nothing; a failed stat falls back to the
// size stored in the record.
func (s *OfflineStore) removeFiles(r DownloadRecord) (int64, error) {
	var freed int64

	files := []struct {
		name   string
		stored int64
	}{
		{r.ArtworkPath, r.ArtworkSizeBytes},
		{r.LocalPath, r.FileSizeBytes},
	}

	for _, f := range files {
		if f.name == "" || !s.fs.Exists(f.name) {
			continue
		}

		size, err := s.fs.Stat(f.name)
		if err != nil {
			size = f.stored
		}

		if err := s.fs.Unlink(f.name); err != nil {
			return freed, apperrors.NewFileSystemError("failed to unlink "+f.name, err)
		}
		freed += size
	}

	return freed, nil
}

// load must be called with mu held.
func (s *OfflineStore) load() []DownloadRecord {
	raw, ok, err := s.kv.GetString(KeyRecords)
	if err != nil {
		s.logger.Error("Failed to read offline records", zap.Error(err))
		monitoring.RecordError(string(apperrors.ErrTypeStorage))
		return []DownloadRecord{}
	}
	if !ok || raw == "" {
		return []DownloadRecord{}
	}

	result, err := s.migrator.Migrate([]byte(raw))
	if err != nil {
		s.quarantine(raw, err)
		return []DownloadRecord{}
	}

	var records []DownloadRecord
	if err := json.Unmarshal(result.Records, &records); err != nil {
		s.quarantine(raw, err)
		return []DownloadRecord{}
	}

	if result.Migrated() {
		if err := s.save(records); err != nil {
			s.logger.Warn("Failed to rewrite migrated offline records", zap.Error(err))
		}
	}

	return records
}

// quarantine keeps a copy of an unreadable blob so the next write does not
// lose it for good.
func (s *OfflineStore) quarantine(raw string, cause error) {
	s.logger.Error("Offline record blob is corrupt, treating store as empty",
		zap.Int("bytes", len(raw)),
		zap.Error(cause),
	)
	monitoring.RecordError(string(apperrors.ErrTypeStorage))

	if err := s.kv.Set(KeyRecordsCorrupt, raw); err != nil {
		s.logger.Error("Failed to preserve corrupt offline records", zap.Error(err))
	}
}

// save must be called with mu held.
func (s *OfflineStore) save(records []DownloadRecord) error {
	blob, err := migration.Wrap(records)
	if err != nil {
		return apperrors.NewStorageError("failed to encode offline records", err)
	}
	if err := s.kv.Set(KeyRecords, string(blob)); err != nil {
		monitoring.RecordError(string(apperrors.ErrTypeStorage))
		return apperrors.NewStorageError("failed to write offline records", err)
	}

	var total int64
	for _, r := range records {
		total += r.TotalBytes()
	}
	monitoring.UpdateCacheGauges(len(records), total)

	return nil
}

func (s *OfflineStore) notify(records []DownloadRecord) {
	s.listenersMu.RLock()
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		snapshot := make([]DownloadRecord, len(records))
		copy(snapshot, records)
		fn(snapshot)
	}
}
