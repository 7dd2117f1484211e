package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/monitoring"
	"github.com/sonicvault/sonicvault-go/internal/network"
)

// Config holds what the client needs to reach the media server.
type Config struct {
	BaseURL  string
	Token    string
	UserID   string
	DeviceID string
	Timeout  time.Duration
	// RequestsPerSecond bounds catalog API calls; 0 uses the default
	RequestsPerSecond float64
}

const (
	clientName         = "SonicVault"
	clientVersion      = "1.0.0"
	defaultRateLimit   = 10
	defaultRateBurst   = 5
	maxErrorBodyLength = 512
)

// Client is a Jellyfin API client. Transcoding descriptors returned by
// PlaybackInfo are cached per track for URL resolution.
type Client struct {
	baseURL     string
	token       string
	userID      string
	deviceID    string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retry       apperrors.RetryConfig
	logger      *zap.Logger

	mu          sync.RWMutex
	transcoding map[string]string
}

// NewClient creates a new media server client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	httpConfig := network.DefaultClientConfig()
	if cfg.Timeout > 0 {
		httpConfig.Timeout = cfg.Timeout
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRateLimit
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		userID:      cfg.UserID,
		deviceID:    deviceID,
		httpClient:  network.NewClient(httpConfig),
		rateLimiter: rate.NewLimiter(rate.Limit(rps), defaultRateBurst),
		retry:       apperrors.DefaultRetryConfig(),
		logger:      logger,
		transcoding: make(map[string]string),
	}
}

// HasSession reports whether the client holds credentials for a server.
func (c *Client) HasSession() bool {
	return c.baseURL != "" && c.token != "" && c.userID != ""
}

// NewSessionID returns a fresh playback session identifier.
func (c *Client) NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AuthHeader returns the headers that authenticate a request to the server.
func (c *Client) AuthHeader() map[string]string {
	return map[string]string{
		"X-Emby-Authorization": c.authorization(),
	}
}

func (c *Client) authorization() string {
	parts := []string{
		fmt.Sprintf(`MediaBrowser Client="%s"`, clientName),
		`Device="CLI"`,
		fmt.Sprintf(`DeviceId="%s"`, c.deviceID),
		fmt.Sprintf(`Version="%s"`, clientVersion),
	}
	if c.token != "" {
		parts = append(parts, fmt.Sprintf(`Token="%s"`, c.token))
	}
	return strings.Join(parts, ", ")
}

// GetTrack fetches metadata for an audio item.
func (c *Client) GetTrack(ctx context.Context, id string) (Track, error) {
	if id == "" {
		return Track{}, apperrors.NewValidationError("track id cannot be empty")
	}

	query := url.Values{}
	query.Set("Fields", "MediaSources")

	path := fmt.Sprintf("/Users/%s/Items/%s", url.PathEscape(c.userID), url.PathEscape(id))
	body, err := c.doRequest(ctx, "item", path, query)
	if err != nil {
		return Track{}, err
	}

	var item itemDTO
	if err := json.Unmarshal(body, &item); err != nil {
		return Track{}, fmt.Errorf("failed to parse item response: %w", err)
	}
	if item.Type != "" && item.Type != "Audio" {
		return Track{}, apperrors.NewValidationError(fmt.Sprintf("item %s is a %s, not an audio track", id, item.Type))
	}

	return mapTrack(item), nil
}

// PlaybackInfo is the server's answer for one playback session.
type PlaybackInfo struct {
	PlaySessionID      string
	Container          string
	Size               int64
	SupportsDirectPlay bool
	TranscodingURL     string
}

// FetchPlaybackInfo asks the server how it would deliver trackID at params
// and caches the transcoding descriptor it returns.
func (c *Client) FetchPlaybackInfo(ctx context.Context, trackID string, params QualityParams, sessionID string) (*PlaybackInfo, error) {
	query := url.Values{}
	query.Set("UserId", c.userID)
	query.Set("MaxStreamingBitrate", params.bitrate())
	query.Set("AudioCodec", params.TranscodingCodec)
	query.Set("TranscodingContainer", params.TranscodingCodec)
	query.Set("TranscodingProtocol", params.TranscodingProtocol)
	if sessionID != "" {
		query.Set("PlaySessionId", sessionID)
	}

	path := fmt.Sprintf("/Items/%s/PlaybackInfo", url.PathEscape(trackID))
	body, err := c.doRequest(ctx, "playback_info", path, query)
	if err != nil {
		return nil, err
	}

	var resp playbackInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse playback info: %w", err)
	}
	if resp.ErrorCode != "" {
		return nil, apperrors.NewValidationError("playback refused: " + resp.ErrorCode)
	}
	if len(resp.MediaSources) == 0 {
		return nil, apperrors.NewNotFoundError("no media sources for track " + trackID)
	}

	source := resp.MediaSources[0]
	info := &PlaybackInfo{
		PlaySessionID:      resp.PlaySessionID,
		Container:          source.Container,
		Size:               source.Size,
		SupportsDirectPlay: source.SupportsDirectPlay,
		TranscodingURL:     source.TranscodingURL,
	}

	c.mu.Lock()
	if source.TranscodingURL != "" {
		c.transcoding[trackID] = source.TranscodingURL
	} else {
		delete(c.transcoding, trackID)
	}
	c.mu.Unlock()

	return info, nil
}

// TranscodingURL returns the cached transcoding descriptor for trackID as
// an absolute URL.
func (c *Client) TranscodingURL(trackID string) (string, bool) {
	c.mu.RLock()
	raw, ok := c.transcoding[trackID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, true
	}
	return c.baseURL + "/" + strings.TrimLeft(raw, "/"), true
}

// ForgetTranscoding drops cached descriptors, e.g. when a session ends.
func (c *Client) ForgetTranscoding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcoding = make(map[string]string)
}

// BuildStreamingURL builds the generic universal audio endpoint URL.
func (c *Client) BuildStreamingURL(trackID string, params QualityParams, sessionID string) string {
	query := url.Values{}
	query.Set("UserId", c.userID)
	query.Set("DeviceId", c.deviceID)
	query.Set("MaxStreamingBitrate", params.bitrate())
	query.Set("Container", params.Container)
	query.Set("TranscodingContainer", params.TranscodingCodec)
	query.Set("TranscodingProtocol", params.TranscodingProtocol)
	query.Set("AudioCodec", params.TranscodingCodec)
	query.Set("api_key", c.token)
	if params.Static {
		query.Set("Static", "true")
	}
	if sessionID != "" {
		query.Set("PlaySessionId", sessionID)
	}

	return fmt.Sprintf("%s/Audio/%s/universal?%s", c.baseURL, url.PathEscape(trackID), query.Encode())
}

// ApplyQuality rewrites a transcoding descriptor so it carries the bitrate
// of params and sessionID.
func ApplyQuality(rawURL string, params QualityParams, sessionID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid transcoding url: %w", err)
	}

	query := u.Query()
	query.Set("MaxStreamingBitrate", params.bitrate())
	// AudioBitrate drives the encoder; lossless requests must not carry one
	if params.Static {
		query.Del("AudioBitrate")
	} else {
		query.Set("AudioBitrate", params.bitrate())
	}
	if sessionID != "" {
		query.Set("PlaySessionId", sessionID)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// ArtworkURL returns the primary image URL of track scaled to size pixels,
// or "" when the track has no artwork.
func (c *Client) ArtworkURL(track Track, size int) string {
	if track.ImageTag == "" {
		return ""
	}
	itemID := track.ImageItemID
	if itemID == "" {
		itemID = track.ID
	}

	query := url.Values{}
	query.Set("tag", track.ImageTag)
	query.Set("quality", "90")
	if size > 0 {
		query.Set("maxWidth", strconv.Itoa(size))
		query.Set("maxHeight", strconv.Itoa(size))
	}

	return fmt.Sprintf("%s/Items/%s/Images/Primary?%s", c.baseURL, url.PathEscape(itemID), query.Encode())
}

// doRequest performs an authenticated GET with rate limiting and retries
// 5xx and network failures with exponential backoff.
func (c *Client) doRequest(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	if !c.HasSession() {
		return nil, apperrors.ErrNoSession
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body []byte
	start := time.Now()

	err := apperrors.RetryWithBackoff(ctx, c.retry, func() error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Emby-Authorization", c.authorization())

		c.logger.Debug("Catalog request", zap.String("endpoint", endpoint), zap.String("path", path))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.NewNetworkError("catalog request failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.NewNetworkError("failed to read catalog response", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = data
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return apperrors.NewSessionError("media server rejected credentials", fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return apperrors.NewNotFoundError("catalog item not found: " + path)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn("Media server error, will retry",
				zap.Int("status", resp.StatusCode),
				zap.String("endpoint", endpoint),
			)
			return apperrors.NewNetworkError(fmt.Sprintf("server error %d: %s", resp.StatusCode, truncate(data)), nil)
		default:
			return apperrors.NewValidationError(fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncate(data)))
		}
	})

	status := "success"
	if err != nil {
		status = "error"
		monitoring.RecordError(string(apperrors.GetErrorType(err)))
		c.logger.Error("Catalog request failed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
	}
	monitoring.RecordAPIRequest(endpoint, status, time.Since(start))

	return body, err
}

func truncate(b []byte) string {
	if len(b) > maxErrorBodyLength {
		return string(b[:maxErrorBodyLength]) + "..."
	}
	return string(b)
}
