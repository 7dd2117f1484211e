package download

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/sonicvault/sonicvault-go/internal/catalog"
	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/fsys"
	"github.com/sonicvault/sonicvault-go/internal/metadata"
	"github.com/sonicvault/sonicvault-go/internal/network"
	"github.com/sonicvault/sonicvault-go/internal/store"
)

// ProgressFunc receives transfer progress for the playback URL being fetched.
type ProgressFunc func(url string, downloaded, total int64)

// Transferer fetches one item onto the device and describes the result.
// It must honour ctx cancellation.
type Transferer interface {
	Transfer(ctx context.Context, item Item, progress ProgressFunc) (*store.DownloadRecord, error)
}

// Catalog is the media server surface a transfer needs.
type Catalog interface {
	NewSessionID() string
	AuthHeader() map[string]string
	FetchPlaybackInfo(ctx context.Context, trackID string, params catalog.QualityParams, sessionID string) (*catalog.PlaybackInfo, error)
	TranscodingURL(trackID string) (string, bool)
	BuildStreamingURL(trackID string, params catalog.QualityParams, sessionID string) string
	ArtworkURL(track catalog.Track, size int) string
}

// TransferConfig tunes HTTPTransferer.
type TransferConfig struct {
	// Subdir holds cached files, relative to the document directory
	Subdir string
	// ArtworkSize is the longest edge of stored artwork; 0 skips artwork
	ArtworkSize int
	// TagFiles writes title, artist, album and cover into MP3 and FLAC files
	TagFiles bool
	// BandwidthLimitKbps caps the combined rate of all transfers; 0 is unlimited
	BandwidthLimitKbps int
	Retry              apperrors.RetryConfig
}

// DefaultTransferConfig returns the settings used when none are configured.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		Subdir:      "offline",
		ArtworkSize: 600,
		TagFiles:    true,
		Retry:       apperrors.DefaultRetryConfig(),
	}
}

const maxArtworkBytes = 10 << 20

// HTTPTransferer downloads audio and artwork from the media server into the
// document directory.
type HTTPTransferer struct {
	catalog Catalog
	fs      fsys.FileSystem
	client  *http.Client
	tagger  *metadata.Tagger
	limiter *rate.Limiter
	config  TransferConfig
	logger  *zap.Logger
}

// NewHTTPTransferer creates a transferer writing through fs.
func NewHTTPTransferer(cat Catalog, fs fsys.FileSystem, cfg TransferConfig, logger *zap.Logger) *HTTPTransferer {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &HTTPTransferer{
		catalog: cat,
		fs:      fs,
		client:  network.NewClient(network.TransferClientConfig()),
		tagger: metadata.NewTagger(&metadata.Config{
			EmbedArtwork: true,
			ArtworkSize:  cfg.ArtworkSize,
		}),
		config: cfg,
		logger: logger,
	}
	if cfg.BandwidthLimitKbps > 0 {
		bytesPerSecond := cfg.BandwidthLimitKbps * 1024
		t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return t
}

// Transfer fetches the audio for item at its requested quality, then its
// artwork, then tags the file. Artwork and tagging failures are logged and
// do not fail the transfer.
func (t *HTTPTransferer) Transfer(ctx context.Context, item Item, progress ProgressFunc) (*store.DownloadRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track := item.Track
	params := catalog.ParamsFor(item.RequestedQuality)
	sessionID := t.catalog.NewSessionID()
	streamURL := t.streamURL(ctx, track.ID, params, sessionID)

	name := path.Join(t.config.Subdir, fileStem(track.ID)+"."+params.Extension(track))
	outPath := t.fs.Path(name)
	start := time.Now()

	hasher := blake2b256()
	err := apperrors.RetryWithBackoff(ctx, t.config.Retry, func() error {
		hasher = blake2b256()
		_, err := network.Fetch(ctx, t.client, network.FetchRequest{
			URL:        streamURL,
			OutputPath: outPath,
			Headers:    t.catalog.AuthHeader(),
			Hash:       hasher,
			WrapBody: func(r io.Reader) io.Reader {
				return t.throttle(ctx, r)
			},
			Progress: func(downloaded, total int64) {
				if progress != nil {
					progress(streamURL, downloaded, total)
				}
			},
		})
		return classifyFetchError(err)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("transfer of %s stopped: %w", track.ID, ctxErr)
		}
		return nil, err
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))

	record := &store.DownloadRecord{
		TrackID:          track.ID,
		LocalPath:        name,
		Quality:          string(item.RequestedQuality),
		IsAutoDownloaded: item.IsAutoDownloaded,
		Title:            track.Title,
		Artist:           track.Artist,
		Album:            track.Album,
	}

	artwork, mimeType := t.fetchArtwork(ctx, track)
	if len(artwork) > 0 {
		artName := path.Join(t.config.Subdir, fileStem(track.ID)+"-cover."+metadata.ArtworkExtension(mimeType))
		if err := t.fs.WriteFile(artName, artwork); err != nil {
			t.logger.Warn("Failed to store artwork", zap.String("track_id", track.ID), zap.Error(err))
		} else {
			record.ArtworkPath = artName
			record.ArtworkSizeBytes = int64(len(artwork))
		}
	}

	if t.config.TagFiles && metadata.Supports(outPath) {
		err := t.tagger.Apply(outPath, &metadata.TrackMetadata{
			Title:       track.Title,
			Artist:      track.Artist,
			Album:       track.Album,
			AlbumArtist: track.AlbumArtist,
			TrackNumber: track.TrackNumber,
			Year:        track.Year,
			ArtworkData: artwork,
			ArtworkMIME: mimeType,
		})
		if err != nil {
			t.logger.Warn("Failed to tag file", zap.String("track_id", track.ID), zap.Error(err))
		} else if checksum, err = fileChecksum(outPath); err != nil {
			discardFiles(t.fs, *record, t.logger)
			return nil, apperrors.NewFileSystemError("failed to checksum "+name, err)
		}
	}

	size, err := t.fs.Stat(name)
	if err != nil {
		discardFiles(t.fs, *record, t.logger)
		return nil, apperrors.NewFileSystemError("failed to stat "+name, err)
	}
	record.FileSizeBytes = size
	record.Checksum = checksum
	record.SavedAt = time.Now().UTC()

	t.logger.Info("Transfer finished",
		zap.String("track_id", track.ID),
		zap.String("quality", record.Quality),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(start)))

	return record, nil
}

// discardFiles removes the files of a transfer that will not be recorded.
func discardFiles(fs fsys.FileSystem, r store.DownloadRecord, logger *zap.Logger) {
	for _, name := range []string{r.ArtworkPath, r.LocalPath} {
		if name == "" {
			continue
		}
		if err := fs.Unlink(name); err != nil {
			logger.Warn("Failed to remove unrecorded file", zap.String("track_id", r.TrackID), zap.String("path", name), zap.Error(err))
		}
	}
}

// streamURL prefers the session's transcoding descriptor over the generic
// universal endpoint.
func (t *HTTPTransferer) streamURL(ctx context.Context, trackID string, params catalog.QualityParams, sessionID string) string {
	if _, err := t.catalog.FetchPlaybackInfo(ctx, trackID, params, sessionID); err != nil {
		t.logger.Debug("Playback info unavailable", zap.String("track_id", trackID), zap.Error(err))
	}
	if descriptor, ok := t.catalog.TranscodingURL(trackID); ok {
		if u, err := catalog.ApplyQuality(descriptor, params, sessionID); err == nil {
			return u
		}
	}
	return t.catalog.BuildStreamingURL(trackID, params, sessionID)
}

func (t *HTTPTransferer) fetchArtwork(ctx context.Context, track catalog.Track) ([]byte, string) {
	if t.config.ArtworkSize <= 0 {
		return nil, ""
	}
	artURL := t.catalog.ArtworkURL(track, t.config.ArtworkSize)
	if artURL == "" {
		return nil, ""
	}

	data, err := t.downloadArtworkData(ctx, artURL)
	if err != nil {
		t.logger.Warn("Failed to download artwork", zap.String("track_id", track.ID), zap.Error(err))
		return nil, ""
	}

	scaled, mimeType, err := metadata.ScaleArtwork(data, t.config.ArtworkSize)
	if err != nil {
		t.logger.Warn("Failed to scale artwork", zap.String("track_id", track.ID), zap.Error(err))
		return data, metadata.DetectMIME(data)
	}
	return scaled, mimeType
}

func (t *HTTPTransferer) downloadArtworkData(ctx context.Context, artURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artURL, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range t.catalog.AuthHeader() {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &network.StatusError{StatusCode: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxArtworkBytes))
}

func (t *HTTPTransferer) throttle(ctx context.Context, r io.Reader) io.Reader {
	if t.limiter == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, limiter: t.limiter}
}

// throttledReader waits on a shared limiter for every chunk it returns.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	if burst := tr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := tr.r.Read(p)
	if n > 0 {
		if waitErr := tr.limiter.WaitN(tr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// classifyFetchError marks server-side and connection failures retryable.
func classifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *network.StatusError
	if stderrors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return apperrors.NewNetworkError("transfer failed", err)
		}
		return &apperrors.AppError{Type: apperrors.ErrTypeNetwork, Message: "transfer rejected", Cause: err}
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.NewNetworkError("transfer interrupted", err)
}

// fileStem makes a track id safe to use as a file name.
func fileStem(trackID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, trackID)
}

func blake2b256() hash.Hash {
	h, _ := blake2b.New256(nil) // only fails for keys over 64 bytes
	return h
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake2b256()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
