package catalog

import "time"

// itemDTO is the subset of a Jellyfin BaseItemDto used for audio tracks.
type itemDTO struct {
	ID             string            `json:"Id"`
	Name           string            `json:"Name"`
	Type           string            `json:"Type"`
	Album          string            `json:"Album,omitempty"`
	AlbumArtist    string            `json:"AlbumArtist,omitempty"`
	Artists        []string          `json:"Artists,omitempty"`
	RunTimeTicks   int64             `json:"RunTimeTicks,omitempty"`
	IndexNumber    int               `json:"IndexNumber,omitempty"`
	ProductionYear int               `json:"ProductionYear,omitempty"`
	Container      string            `json:"Container,omitempty"`
	ImageTags      map[string]string `json:"ImageTags,omitempty"`
	AlbumID        string            `json:"AlbumId,omitempty"`
	AlbumImageTag  string            `json:"AlbumPrimaryImageTag,omitempty"`
}

// mediaSourceDTO represents a media source (file) for an item
type mediaSourceDTO struct {
	ID                   string `json:"Id"`
	Container            string `json:"Container"`
	Size                 int64  `json:"Size"`
	Bitrate              int    `json:"Bitrate,omitempty"`
	SupportsDirectPlay   bool   `json:"SupportsDirectPlay"`
	SupportsDirectStream bool   `json:"SupportsDirectStream"`
	SupportsTranscoding  bool   `json:"SupportsTranscoding"`
	TranscodingURL       string `json:"TranscodingUrl,omitempty"`
	TranscodingContainer string `json:"TranscodingContainer,omitempty"`
}

// playbackInfoResponse contains playback information for an item
type playbackInfoResponse struct {
	MediaSources  []mediaSourceDTO `json:"MediaSources"`
	PlaySessionID string           `json:"PlaySessionId"`
	ErrorCode     string           `json:"ErrorCode,omitempty"`
}

// ticksPerSecond is the resolution of Jellyfin RunTimeTicks.
const ticksPerSecond = 10_000_000

func mapTrack(item itemDTO) Track {
	track := Track{
		ID:          item.ID,
		Title:       item.Name,
		Album:       item.Album,
		AlbumArtist: item.AlbumArtist,
		Duration:    time.Duration(item.RunTimeTicks) * time.Second / ticksPerSecond,
		Container:   item.Container,
		TrackNumber: item.IndexNumber,
		Year:        item.ProductionYear,
	}

	if len(item.Artists) > 0 {
		track.Artist = item.Artists[0]
	} else {
		track.Artist = item.AlbumArtist
	}

	if tag, ok := item.ImageTags["Primary"]; ok {
		track.ImageTag = tag
		track.ImageItemID = item.ID
	} else if item.AlbumImageTag != "" {
		track.ImageTag = item.AlbumImageTag
		track.ImageItemID = item.AlbumID
	}

	return track
}
