package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/quality"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(Config{
		BaseURL:           server.URL + "/",
		Token:             "secret",
		UserID:            "user-1",
		DeviceID:          "device-1",
		RequestsPerSecond: 1000,
	}, nil)
	c.retry.InitialBackoff = time.Millisecond
	c.retry.MaxBackoff = 5 * time.Millisecond
	return c
}

func TestHasSession(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected bool
	}{
		{"complete", Config{BaseURL: "http://srv", Token: "t", UserID: "u"}, true},
		{"missing token", Config{BaseURL: "http://srv", UserID: "u"}, false},
		{"missing user", Config{BaseURL: "http://srv", Token: "t"}, false},
		{"missing url", Config{Token: "t", UserID: "u"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.cfg, nil).HasSession(); got != tt.expected {
				t.Errorf("HasSession() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestNewSessionID(t *testing.T) {
	c := NewClient(Config{}, nil)
	a, b := c.NewSessionID(), c.NewSessionID()

	if a == b {
		t.Error("Expected unique session ids")
	}
	if len(a) != 32 || strings.Contains(a, "-") {
		t.Errorf("Expected 32 hex characters, got %q", a)
	}
}

func TestGetTrack(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Users/user-1/Items/t1" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if !strings.Contains(r.Header.Get("X-Emby-Authorization"), `Token="secret"`) {
			t.Errorf("Missing token in auth header: %s", r.Header.Get("X-Emby-Authorization"))
		}
		w.Write([]byte(`{
			"Id":"t1","Name":"Song","Type":"Audio","Album":"Record","AlbumArtist":"Band",
			"Artists":["Singer"],"RunTimeTicks":1800000000,"IndexNumber":3,"Container":"flac",
			"AlbumId":"a1","AlbumPrimaryImageTag":"img-a"
		}`))
	}))

	track, err := c.GetTrack(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTrack failed: %v", err)
	}

	if track.Title != "Song" || track.Artist != "Singer" || track.AlbumArtist != "Band" {
		t.Errorf("Unexpected track %+v", track)
	}
	if track.Duration != 3*time.Minute {
		t.Errorf("Expected 3m duration, got %v", track.Duration)
	}
	if track.ImageTag != "img-a" || track.ImageItemID != "a1" {
		t.Errorf("Expected album artwork fallback, got %q on %q", track.ImageTag, track.ImageItemID)
	}
	if track.DisplayName() != "Singer - Song" {
		t.Errorf("Unexpected display name %q", track.DisplayName())
	}
}

func TestGetTrackRejectsNonAudio(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Id":"m1","Name":"Movie","Type":"Movie"}`))
	}))

	if _, err := c.GetTrack(context.Background(), "m1"); err == nil {
		t.Error("Expected error for non-audio item")
	}
}

func TestDoRequestWithoutSession(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)

	_, err := c.GetTrack(context.Background(), "t1")
	if !errors.Is(err, apperrors.ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}

func TestDoRequestRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"Id":"t1","Name":"Song","Type":"Audio"}`))
	}))

	if _, err := c.GetTrack(context.Background(), "t1"); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoRequestDoesNotRetryClientErrors(t *testing.T) {
	tests := []struct {
		status   int
		expected apperrors.ErrorType
	}{
		{http.StatusUnauthorized, apperrors.ErrTypeSession},
		{http.StatusNotFound, apperrors.ErrTypeNotFound},
		{http.StatusBadRequest, apperrors.ErrTypeValidation},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))

			_, err := c.GetTrack(context.Background(), "t1")
			if got := apperrors.GetErrorType(err); got != tt.expected {
				t.Errorf("Expected %s error, got %s (%v)", tt.expected, got, err)
			}
			if calls != 1 {
				t.Errorf("Expected a single call, got %d", calls)
			}
		})
	}
}

func TestFetchPlaybackInfoCachesDescriptor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Items/t1/PlaybackInfo" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("MaxStreamingBitrate") != "320000" {
			t.Errorf("Expected high bitrate, got %s", r.URL.Query().Get("MaxStreamingBitrate"))
		}
		w.Write([]byte(`{
			"PlaySessionId":"ps-1",
			"MediaSources":[{"Id":"t1","Container":"flac","Size":1234,
				"TranscodingUrl":"/audio/t1/stream.mp3?AudioBitrate=128000&PlaySessionId=old"}]
		}`))
	}))

	if _, ok := c.TranscodingURL("t1"); ok {
		t.Fatal("Expected no descriptor before playback info")
	}

	info, err := c.FetchPlaybackInfo(context.Background(), "t1", ParamsFor(quality.High), "s-1")
	if err != nil {
		t.Fatalf("FetchPlaybackInfo failed: %v", err)
	}
	if info.PlaySessionID != "ps-1" || info.Size != 1234 {
		t.Errorf("Unexpected playback info %+v", info)
	}

	descriptor, ok := c.TranscodingURL("t1")
	if !ok {
		t.Fatal("Expected cached descriptor")
	}
	if !strings.HasPrefix(descriptor, c.baseURL+"/audio/t1/stream.mp3") {
		t.Errorf("Expected absolute descriptor, got %s", descriptor)
	}

	c.ForgetTranscoding()
	if _, ok := c.TranscodingURL("t1"); ok {
		t.Error("Expected descriptor cache to be cleared")
	}
}

func TestFetchPlaybackInfoNoSources(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"MediaSources":[]}`))
	}))

	_, err := c.FetchPlaybackInfo(context.Background(), "t1", ParamsFor(quality.Low), "")
	if apperrors.GetErrorType(err) != apperrors.ErrTypeNotFound {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestBuildStreamingURL(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://srv/", Token: "tok", UserID: "u1", DeviceID: "d1"}, nil)

	raw := c.BuildStreamingURL("t1", ParamsFor(quality.Medium), "s-1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("Invalid URL %s: %v", raw, err)
	}

	if u.Path != "/Audio/t1/universal" {
		t.Errorf("Unexpected path %s", u.Path)
	}
	q := u.Query()
	expected := map[string]string{
		"UserId":              "u1",
		"DeviceId":            "d1",
		"MaxStreamingBitrate": "192000",
		"AudioCodec":          "mp3",
		"api_key":             "tok",
		"PlaySessionId":       "s-1",
	}
	for key, value := range expected {
		if q.Get(key) != value {
			t.Errorf("Expected %s=%s, got %s", key, value, q.Get(key))
		}
	}
	if q.Has("Static") {
		t.Error("Expected no Static flag for a lossy tier")
	}

	original, _ := url.Parse(c.BuildStreamingURL("t1", ParamsFor(quality.Original), ""))
	if original.Query().Get("Static") != "true" {
		t.Error("Expected Static=true for original quality")
	}
}

func TestApplyQuality(t *testing.T) {
	raw := "http://srv/audio/t1/stream.mp3?AudioBitrate=128000&PlaySessionId=old&api_key=tok"

	out, err := ApplyQuality(raw, ParamsFor(quality.High), "new")
	if err != nil {
		t.Fatalf("ApplyQuality failed: %v", err)
	}
	q, _ := url.Parse(out)
	if q.Query().Get("AudioBitrate") != "320000" || q.Query().Get("MaxStreamingBitrate") != "320000" {
		t.Errorf("Expected high bitrate parameters, got %s", out)
	}
	if q.Query().Get("PlaySessionId") != "new" {
		t.Errorf("Expected session override, got %s", out)
	}
	if q.Query().Get("api_key") != "tok" {
		t.Error("Expected unrelated parameters to survive")
	}

	lossless, _ := ApplyQuality(raw, ParamsFor(quality.Original), "new")
	if strings.Contains(lossless, "AudioBitrate") {
		t.Errorf("Expected no encoder bitrate for original, got %s", lossless)
	}
}

func TestArtworkURL(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://srv"}, nil)

	if got := c.ArtworkURL(Track{ID: "t1"}, 600); got != "" {
		t.Errorf("Expected empty artwork URL without tag, got %s", got)
	}

	got := c.ArtworkURL(Track{ID: "t1", ImageTag: "abc", ImageItemID: "a1"}, 600)
	if !strings.HasPrefix(got, "http://srv/Items/a1/Images/Primary?") || !strings.Contains(got, "maxWidth=600") {
		t.Errorf("Unexpected artwork URL %s", got)
	}
}

func TestParamsFor(t *testing.T) {
	tests := []struct {
		tier    quality.Tier
		bitrate int
		static  bool
	}{
		{quality.Low, 128000, false},
		{quality.Medium, 192000, false},
		{quality.High, 320000, false},
		{quality.Original, originalBitrate, true},
		{quality.Tier("bogus"), 192000, false},
	}

	for _, tt := range tests {
		p := ParamsFor(tt.tier)
		if p.MaxBitrate != tt.bitrate || p.Static != tt.static {
			t.Errorf("ParamsFor(%s) = %+v", tt.tier, p)
		}
	}

	flac := Track{Container: "FLAC"}
	if ext := ParamsFor(quality.Original).Extension(flac); ext != "flac" {
		t.Errorf("Expected flac extension for original, got %s", ext)
	}
	if ext := ParamsFor(quality.High).Extension(flac); ext != "mp3" {
		t.Errorf("Expected mp3 extension for transcodes, got %s", ext)
	}
}
