// Package catalog talks to the Jellyfin-compatible media server: track
// metadata, playback session descriptors and streaming URLs.
package catalog

import (
	"strings"
	"time"
)

// Track is the catalog's view of a playable audio item. It is treated as
// immutable once fetched.
type Track struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Album       string        `json:"album,omitempty"`
	Artist      string        `json:"artist,omitempty"`
	AlbumArtist string        `json:"album_artist,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	ImageTag    string        `json:"image_tag,omitempty"`
	ImageItemID string        `json:"image_item_id,omitempty"`
	Container   string        `json:"container,omitempty"`
	TrackNumber int           `json:"track_number,omitempty"`
	Year        int           `json:"year,omitempty"`
}

// DisplayName is "Artist - Title", falling back to whichever part is known.
func (t Track) DisplayName() string {
	switch {
	case t.Artist != "" && t.Title != "":
		return t.Artist + " - " + t.Title
	case t.Title != "":
		return t.Title
	default:
		return t.ID
	}
}

// FileExtension returns the extension of the source container, e.g. "flac".
func (t Track) FileExtension() string {
	container := strings.ToLower(t.Container)
	// servers may report several comma-separated containers
	if i := strings.IndexByte(container, ','); i >= 0 {
		container = container[:i]
	}
	return strings.TrimSpace(container)
}
