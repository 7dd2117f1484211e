package download

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is the state of one running transfer.
type Progress struct {
	// Progress is the completed fraction in [0, 1]; 0 while the size is unknown
	Progress       float64   `json:"progress"`
	DisplayName    string    `json:"display_name"`
	BytesProcessed int64     `json:"bytes_processed"`
	TotalBytes     int64     `json:"total_bytes"`
	Speed          float64   `json:"speed"` // bytes per second
	ETA            int       `json:"eta"`   // seconds remaining
	StartTime      time.Time `json:"start_time"`
	LastUpdate     time.Time `json:"last_update"`
}

// ProgressTracker is the map of running transfers keyed by playback URL.
type ProgressTracker struct {
	mu      sync.RWMutex
	entries map[string]*Progress
	now     func() time.Time
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		entries: make(map[string]*Progress),
		now:     time.Now,
	}
}

// Update records bytesProcessed of totalBytes for the transfer at key.
func (pt *ProgressTracker) Update(key, displayName string, bytesProcessed, totalBytes int64) {
	now := pt.now()

	pt.mu.Lock()
	defer pt.mu.Unlock()

	entry, ok := pt.entries[key]
	if !ok {
		entry = &Progress{
			DisplayName: displayName,
			StartTime:   now,
			LastUpdate:  now,
		}
		pt.entries[key] = entry
	}

	elapsed := now.Sub(entry.LastUpdate).Seconds()
	if elapsed > 0 {
		entry.Speed = float64(bytesProcessed-entry.BytesProcessed) / elapsed
	}

	entry.BytesProcessed = bytesProcessed
	entry.TotalBytes = totalBytes
	entry.LastUpdate = now

	entry.Progress = 0
	if totalBytes > 0 {
		entry.Progress = float64(bytesProcessed) / float64(totalBytes)
		if entry.Progress > 1 {
			entry.Progress = 1
		}
	}

	entry.ETA = 0
	if entry.Speed > 0 && totalBytes > bytesProcessed {
		entry.ETA = int(float64(totalBytes-bytesProcessed) / entry.Speed)
	}
}

// Remove drops the entry for key once its transfer ends.
func (pt *ProgressTracker) Remove(key string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.entries, key)
}

// Get returns a copy of the entry for key.
func (pt *ProgressTracker) Get(key string) (Progress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	entry, ok := pt.entries[key]
	if !ok {
		return Progress{}, false
	}
	return *entry, true
}

// Snapshot copies the whole map.
func (pt *ProgressTracker) Snapshot() map[string]Progress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make(map[string]Progress, len(pt.entries))
	for key, entry := range pt.entries {
		out[key] = *entry
	}
	return out
}

// FormatSpeed formats speed in human-readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 1024 {
		return "< 1 KiB/s"
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatETA formats ETA in human-readable format
func FormatETA(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	} else if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}
