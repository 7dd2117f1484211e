package migration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// legacyRecord is one element of the unversioned camelCase array.
type legacyRecord struct {
	TrackID          string     `json:"trackId"`
	LocalPath        string     `json:"localPath"`
	ArtworkPath      string     `json:"artworkPath"`
	Quality          string     `json:"quality"`
	SavedAt          legacyTime `json:"savedAt"`
	IsAutoDownloaded bool       `json:"isAutoDownloaded"`
	FileSizeBytes    int64      `json:"fileSizeBytes"`
	ArtworkSizeBytes int64      `json:"artworkSizeBytes"`
	Title            string     `json:"title"`
	Artist           string     `json:"artist"`
	Album            string     `json:"album"`
}

// recordV1 mirrors the version 1 record encoding.
type recordV1 struct {
	TrackID          string    `json:"track_id"`
	LocalPath        string    `json:"local_path"`
	ArtworkPath      string    `json:"artwork_path,omitempty"`
	Quality          string    `json:"quality"`
	SavedAt          time.Time `json:"saved_at"`
	IsAutoDownloaded bool      `json:"is_auto_downloaded"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	ArtworkSizeBytes int64     `json:"artwork_size_bytes"`
	Title            string    `json:"title,omitempty"`
	Artist           string    `json:"artist,omitempty"`
	Album            string    `json:"album,omitempty"`
}

// legacyTime accepts epoch milliseconds, numeric strings or RFC 3339.
type legacyTime struct {
	time.Time
}

func (t *legacyTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("savedAt: %w", err)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(n).UTC()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("savedAt: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

// upgradeLegacyArray converts the camelCase array into version 1 records.
// Elements without a track id are dropped.
func upgradeLegacyArray(records json.RawMessage) (json.RawMessage, error) {
	var legacy []legacyRecord
	if err := json.Unmarshal(records, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy records: %w", err)
	}

	out := make([]recordV1, 0, len(legacy))
	for _, r := range legacy {
		if r.TrackID == "" {
			continue
		}
		out = append(out, recordV1{
			TrackID:          r.TrackID,
			LocalPath:        r.LocalPath,
			ArtworkPath:      r.ArtworkPath,
			Quality:          r.Quality,
			SavedAt:          r.SavedAt.Time,
			IsAutoDownloaded: r.IsAutoDownloaded,
			FileSizeBytes:    r.FileSizeBytes,
			ArtworkSizeBytes: r.ArtworkSizeBytes,
			Title:            r.Title,
			Artist:           r.Artist,
			Album:            r.Album,
		})
	}

	return json.Marshal(out)
}
