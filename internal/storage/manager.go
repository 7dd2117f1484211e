// Package storage reports how the offline cache uses the device and offers
// bulk cleanup over it.
package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/sonicvault/sonicvault-go/internal/fsys"
	"github.com/sonicvault/sonicvault-go/internal/store"
)

// Config holds the cleanup thresholds.
type Config struct {
	// StaleAfter marks records saved more than this long ago as stale
	StaleAfter time.Duration
	// LargeFileBytes marks audio files strictly larger than this as large.
	// The default is 50 MiB.
	LargeFileBytes int64
}

// DefaultConfig returns 30 days and 50 MiB.
func DefaultConfig() Config {
	return Config{
		StaleAfter:     30 * 24 * time.Hour,
		LargeFileBytes: 50 << 20,
	}
}

// Summary combines device space with cache usage.
type Summary struct {
	DeviceTotal uint64 `json:"device_total"`
	DeviceFree  uint64 `json:"device_free"`
	// SpaceKnown is false when the device could not report its space
	SpaceKnown   bool  `json:"space_known"`
	UsedBytes    int64 `json:"used_bytes"`
	AudioBytes   int64 `json:"audio_bytes"`
	ArtworkBytes int64 `json:"artwork_bytes"`
	RecordCount  int   `json:"record_count"`
	AutoCount    int   `json:"auto_count"`
	ManualCount  int   `json:"manual_count"`
}

// Kind names a cleanup rule.
type Kind string

const (
	KindStale   Kind = "stale"
	KindLarge   Kind = "large"
	KindMissing Kind = "missing"
)

// Suggestion is one cleanup rule's candidates.
type Suggestion struct {
	Kind        Kind     `json:"kind"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ItemIDs     []string `json:"item_ids"`
	Bytes       int64    `json:"bytes"`
}

// Manager reads the offline store for analytics and deletes through it.
// The selection map is guarded by mu.
type Manager struct {
	store  *store.OfflineStore
	fs     fsys.FileSystem
	config Config
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	selection map[string]bool
}

// NewManager creates a manager over st.
func NewManager(st *store.OfflineStore, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.LargeFileBytes <= 0 {
		cfg.LargeFileBytes = defaults.LargeFileBytes
	}

	return &Manager{
		store:     st,
		fs:        st.FileSystem(),
		config:    cfg,
		now:       time.Now,
		logger:    logger,
		selection: make(map[string]bool),
	}
}

// Summarize totals the records and asks the device for its space. A failing
// space query is logged and leaves SpaceKnown false.
func (m *Manager) Summarize() Summary {
	var summary Summary

	space, err := m.fs.FreeSpace()
	if err != nil {
		m.logger.Warn("Failed to read device space", zap.Error(err))
	} else {
		summary.DeviceTotal = space.Total
		summary.DeviceFree = space.Free
		summary.SpaceKnown = true
	}

	for _, r := range m.store.List() {
		summary.RecordCount++
		summary.AudioBytes += r.FileSizeBytes
		summary.ArtworkBytes += r.ArtworkSizeBytes
		if r.IsAutoDownloaded {
			summary.AutoCount++
		} else {
			summary.ManualCount++
		}
	}
	summary.UsedBytes = summary.AudioBytes + summary.ArtworkBytes

	return summary
}

// SuggestCleanup applies each rule independently; a record may appear in
// several suggestions. Rules with no candidates are omitted.
func (m *Manager) SuggestCleanup() []Suggestion {
	records := m.store.List()
	cutoff := m.now().Add(-m.config.StaleAfter)

	stale := Suggestion{Kind: KindStale, Title: "Old downloads"}
	large := Suggestion{Kind: KindLarge, Title: "Large files"}
	missing := Suggestion{Kind: KindMissing, Title: "Missing files"}

	for _, r := range records {
		if r.SavedAt.Before(cutoff) {
			stale.ItemIDs = append(stale.ItemIDs, r.TrackID)
			stale.Bytes += r.TotalBytes()
		}
		if r.FileSizeBytes > m.config.LargeFileBytes {
			large.ItemIDs = append(large.ItemIDs, r.TrackID)
			large.Bytes += r.TotalBytes()
		}
		if r.LocalPath != "" && !m.fs.Exists(r.LocalPath) {
			missing.ItemIDs = append(missing.ItemIDs, r.TrackID)
			// only the artwork is still on disk
			if r.ArtworkPath != "" && m.fs.Exists(r.ArtworkPath) {
				missing.Bytes += r.ArtworkSizeBytes
			}
		}
	}

	days := int(m.config.StaleAfter.Hours() / 24)
	stale.Description = fmt.Sprintf("%s saved %d or more days ago, %s",
		plural(len(stale.ItemIDs)), days, humanize.IBytes(uint64(stale.Bytes)))
	large.Description = fmt.Sprintf("%s larger than %s, %s",
		plural(len(large.ItemIDs)), humanize.IBytes(uint64(m.config.LargeFileBytes)), humanize.IBytes(uint64(large.Bytes)))
	missing.Description = fmt.Sprintf("%s whose audio file is gone", plural(len(missing.ItemIDs)))

	var suggestions []Suggestion
	for _, s := range []Suggestion{stale, large, missing} {
		if len(s.ItemIDs) > 0 {
			suggestions = append(suggestions, s)
		}
	}
	return suggestions
}

func plural(n int) string {
	if n == 1 {
		return "1 download"
	}
	return humanize.Comma(int64(n)) + " downloads"
}

// ApplySuggestion deletes the suggestion's records.
func (m *Manager) ApplySuggestion(s Suggestion) store.DeleteResult {
	result := m.store.DeleteByIDs(s.ItemIDs)
	m.forget(s.ItemIDs, result.FailedIDs)

	m.logger.Info("Applied cleanup suggestion",
		zap.String("kind", string(s.Kind)),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
		zap.String("freed", humanize.IBytes(uint64(result.FreedBytes))))
	return result
}

// SetSelected marks or unmarks trackID.
func (m *Manager) SetSelected(trackID string, selected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if selected {
		m.selection[trackID] = true
	} else {
		delete(m.selection, trackID)
	}
}

// Toggle flips trackID and returns its new state.
func (m *Manager) Toggle(trackID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selection[trackID] {
		delete(m.selection, trackID)
		return false
	}
	m.selection[trackID] = true
	return true
}

// SelectAll selects every stored record.
func (m *Manager) SelectAll() {
	records := m.store.List()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.selection[r.TrackID] = true
	}
}

// ClearSelection unselects everything.
func (m *Manager) ClearSelection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selection = make(map[string]bool)
}

// IsSelected reports whether trackID is selected.
func (m *Manager) IsSelected(trackID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selection[trackID]
}

// Selected returns the selected ids in sorted order.
func (m *Manager) Selected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.selection))
	for id := range m.selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteSelection deletes the selected records. Ids that failed stay
// selected so the deletion can be retried.
func (m *Manager) DeleteSelection() store.DeleteResult {
	ids := m.Selected()
	if len(ids) == 0 {
		return store.DeleteResult{}
	}

	result := m.store.DeleteByIDs(ids)
	m.forget(ids, result.FailedIDs)
	return result
}

// ClearAll deletes every record.
func (m *Manager) ClearAll() store.DeleteResult {
	ids := make([]string, 0)
	for _, r := range m.store.List() {
		ids = append(ids, r.TrackID)
	}
	result := m.store.Clear()
	m.forget(ids, result.FailedIDs)
	return result
}

// forget unselects ids except those that failed.
func (m *Manager) forget(ids, failed []string) {
	keep := make(map[string]bool, len(failed))
	for _, id := range failed {
		keep[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if !keep[id] {
			delete(m.selection, id)
		}
	}
}
