// Package resolver turns a playback request into a URL: the cached file when
// it is good enough, otherwise a stream from the media server.
package resolver

import (
	"net/url"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sonicvault/sonicvault-go/internal/catalog"
	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/monitoring"
	"github.com/sonicvault/sonicvault-go/internal/quality"
	"github.com/sonicvault/sonicvault-go/internal/store"
)

// Source says where a resolved URL points.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Catalog is the part of the media server client the resolver needs.
type Catalog interface {
	BuildStreamingURL(trackID string, params catalog.QualityParams, sessionID string) string
	TranscodingURL(trackID string) (string, bool)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	URL    string
	Source Source
	// Outcome is the quality decision; Insufficient when no usable record exists
	Outcome quality.Outcome
	// Record is the cached record consulted, if any
	Record *store.DownloadRecord
}

// Resolver picks between local files and remote streams. It never mutates
// the records it is given and never starts a download.
type Resolver struct {
	catalog     Catalog
	documentDir string
	logger      *zap.Logger
}

// New creates a resolver serving local files from documentDir.
func New(cat Catalog, documentDir string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		catalog:     cat,
		documentDir: documentDir,
		logger:      logger,
	}
}

// Resolve returns the URL to play track at the requested quality given the
// current offline records.
func (r *Resolver) Resolve(track catalog.Track, requested string, records []store.DownloadRecord, sessionID string) (Resolution, error) {
	if track.ID == "" {
		return Resolution{}, apperrors.NewValidationError("track id cannot be empty")
	}

	record := findRecord(records, track.ID)
	if record == nil || record.LocalPath == "" {
		return r.remote(track.ID, requested, sessionID, quality.Insufficient, record)
	}

	outcome := quality.Evaluate(record.Quality, requested)
	if !outcome.UseLocal() {
		r.logger.Debug("Cached copy below requested quality, streaming",
			zap.String("track_id", track.ID),
			zap.String("cached", record.Quality),
			zap.String("requested", requested),
		)
		return r.remote(track.ID, requested, sessionID, outcome, record)
	}

	monitoring.RecordResolution(string(SourceLocal), outcome.String())
	return Resolution{
		URL:     r.localURL(record.LocalPath),
		Source:  SourceLocal,
		Outcome: outcome,
		Record:  record,
	}, nil
}

// remote prefers the transcoding descriptor of the current session over the
// universal endpoint.
func (r *Resolver) remote(trackID, requested, sessionID string, outcome quality.Outcome, record *store.DownloadRecord) (Resolution, error) {
	if r.catalog == nil {
		return Resolution{}, apperrors.ErrNoSession
	}

	params := catalog.ParamsFor(quality.SafeQuality(requested, quality.Default))

	streamURL := ""
	if descriptor, ok := r.catalog.TranscodingURL(trackID); ok {
		applied, err := catalog.ApplyQuality(descriptor, params, sessionID)
		if err != nil {
			r.logger.Warn("Ignoring unusable transcoding descriptor",
				zap.String("track_id", trackID),
				zap.Error(err),
			)
		} else {
			streamURL = applied
		}
	}
	if streamURL == "" {
		streamURL = r.catalog.BuildStreamingURL(trackID, params, sessionID)
	}

	monitoring.RecordResolution(string(SourceRemote), outcome.String())
	return Resolution{
		URL:     streamURL,
		Source:  SourceRemote,
		Outcome: outcome,
		Record:  record,
	}, nil
}

// localURL builds a file:// URL for a stored name. Absolute names are kept.
func (r *Resolver) localURL(name string) string {
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.documentDir, name)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return u.String()
}

func findRecord(records []store.DownloadRecord, trackID string) *store.DownloadRecord {
	for i := range records {
		if records[i].TrackID == trackID {
			rec := records[i]
			return &rec
		}
	}
	return nil
}
