package download

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/sonicvault/sonicvault-go/internal/catalog"
	"github.com/sonicvault/sonicvault-go/internal/fsys"
	"github.com/sonicvault/sonicvault-go/internal/metadata"
	"github.com/sonicvault/sonicvault-go/internal/quality"
)

var audioPayload = bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x64}, 4096)

func coverPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 800, 400))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestTransferer(t *testing.T, handler http.Handler, cfg TransferConfig) (*HTTPTransferer, *fsys.OS) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cat := catalog.NewClient(catalog.Config{
		BaseURL:           server.URL,
		Token:             "secret",
		UserID:            "user-1",
		DeviceID:          "device-1",
		RequestsPerSecond: 1000,
	}, nil)

	disk, err := fsys.NewOS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	return NewHTTPTransferer(cat, disk, cfg, nil), disk
}

func blake2bHex(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHTTPTransfererDownloadsTagsAndStoresArtwork(t *testing.T) {
	cover := coverPNG(t)
	var progressURL atomic.Value

	mux := http.NewServeMux()
	mux.HandleFunc("/Items/a/PlaybackInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"PlaySessionId":"s1","MediaSources":[{"Id":"a","Container":"flac","TranscodingUrl":"/Audio/a/stream.mp3?AudioCodec=mp3"}]}`))
	})
	mux.HandleFunc("/Audio/a/stream.mp3", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Emby-Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("MaxStreamingBitrate") != "192000" || q.Get("PlaySessionId") == "" {
			t.Errorf("unexpected stream query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Length", "16384")
		w.Write(audioPayload)
	})
	mux.HandleFunc("/Items/a/Images/Primary", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(cover)
	})

	cfg := DefaultTransferConfig()
	cfg.ArtworkSize = 100
	tr, disk := newTestTransferer(t, mux, cfg)

	item := Item{
		ID:               "item-1",
		TrackID:          "a",
		Track:            catalog.Track{ID: "a", Title: "Atmosphere", Artist: "Joy Division", Album: "Closer", ImageTag: "tag1"},
		RequestedQuality: quality.Medium,
		IsAutoDownloaded: true,
	}

	record, err := tr.Transfer(context.Background(), item, func(url string, downloaded, total int64) {
		progressURL.Store(url)
	})
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}

	if record.LocalPath != "offline/a.mp3" {
		t.Errorf("LocalPath = %q", record.LocalPath)
	}
	if record.Quality != "medium" || !record.IsAutoDownloaded {
		t.Errorf("record = %+v", record)
	}
	if url, _ := progressURL.Load().(string); !strings.Contains(url, "/Audio/a/stream.mp3") {
		t.Errorf("progress key = %q, want the transcoding url", url)
	}

	data, err := os.ReadFile(disk.Path(record.LocalPath))
	if err != nil {
		t.Fatalf("audio file missing: %v", err)
	}
	if record.FileSizeBytes != int64(len(data)) {
		t.Errorf("FileSizeBytes = %d, file has %d", record.FileSizeBytes, len(data))
	}
	if record.Checksum != blake2bHex(data) {
		t.Error("checksum does not match the stored file")
	}
	if !bytes.HasSuffix(data, audioPayload) {
		t.Error("audio payload not preserved")
	}

	tags, err := metadata.NewTagger(nil).Read(disk.Path(record.LocalPath))
	if err != nil {
		t.Fatalf("Read tags: %v", err)
	}
	if tags.Title != "Atmosphere" || tags.Artist != "Joy Division" {
		t.Errorf("tags = %+v", tags)
	}

	if record.ArtworkPath != "offline/a-cover.png" {
		t.Fatalf("ArtworkPath = %q", record.ArtworkPath)
	}
	art, err := os.ReadFile(disk.Path(record.ArtworkPath))
	if err != nil {
		t.Fatal(err)
	}
	if record.ArtworkSizeBytes != int64(len(art)) {
		t.Errorf("ArtworkSizeBytes = %d, file has %d", record.ArtworkSizeBytes, len(art))
	}
	cfgImg, _, err := image.DecodeConfig(bytes.NewReader(art))
	if err != nil || cfgImg.Width != 100 {
		t.Errorf("artwork width = %d (%v), want 100", cfgImg.Width, err)
	}
}

func TestHTTPTransfererFallsBackToUniversal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Items/a/PlaybackInfo", http.NotFound)
	mux.HandleFunc("/Audio/a/universal", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("Static") != "true" {
			t.Errorf("original quality should request the static file")
		}
		w.Write(audioPayload)
	})

	cfg := DefaultTransferConfig()
	cfg.TagFiles = false
	tr, disk := newTestTransferer(t, mux, cfg)

	item := Item{TrackID: "a", Track: catalog.Track{ID: "a", Container: "flac"}, RequestedQuality: quality.Original}
	record, err := tr.Transfer(context.Background(), item, nil)
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if record.LocalPath != "offline/a.flac" {
		t.Errorf("LocalPath = %q", record.LocalPath)
	}
	if record.Checksum != blake2bHex(audioPayload) {
		t.Error("checksum should cover the received bytes")
	}
	if record.ArtworkPath != "" {
		t.Error("track without image tag should have no artwork")
	}
	if !disk.Exists(record.LocalPath) {
		t.Error("audio file missing")
	}
}

// statFailingFS fails every Stat so the transfer cannot size its file.
type statFailingFS struct {
	*fsys.OS
}

func (statFailingFS) Stat(string) (int64, error) {
	return 0, errors.New("device busy")
}

func TestHTTPTransfererRemovesFilesWhenStatFails(t *testing.T) {
	cover := coverPNG(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/Items/a/PlaybackInfo", http.NotFound)
	mux.HandleFunc("/Audio/a/universal", func(w http.ResponseWriter, r *http.Request) {
		w.Write(audioPayload)
	})
	mux.HandleFunc("/Items/a/Images/Primary", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(cover)
	})

	cfg := DefaultTransferConfig()
	cfg.TagFiles = false
	cfg.ArtworkSize = 100
	tr, disk := newTestTransferer(t, mux, cfg)
	tr.fs = statFailingFS{disk}

	item := Item{TrackID: "a", Track: catalog.Track{ID: "a", Container: "flac", ImageTag: "tag1"}, RequestedQuality: quality.Original}
	if _, err := tr.Transfer(context.Background(), item, nil); err == nil {
		t.Fatal("Transfer() should fail when the file cannot be sized")
	}

	for _, name := range []string{"offline/a.flac", "offline/a-cover.png"} {
		if disk.Exists(name) {
			t.Errorf("%s left on disk after a failed transfer", name)
		}
	}
}

func TestHTTPTransfererRetriesServerErrors(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/Items/a/PlaybackInfo", http.NotFound)
	mux.HandleFunc("/Audio/a/universal", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(audioPayload)
	})

	cfg := DefaultTransferConfig()
	cfg.TagFiles = false
	tr, _ := newTestTransferer(t, mux, cfg)

	item := Item{TrackID: "a", Track: catalog.Track{ID: "a"}, RequestedQuality: quality.Low}
	if _, err := tr.Transfer(context.Background(), item, nil); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("stream requests = %d, want 2", got)
	}
}

func TestHTTPTransfererRejected(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/Items/a/PlaybackInfo", http.NotFound)
	mux.HandleFunc("/Audio/a/universal", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	tr, _ := newTestTransferer(t, mux, DefaultTransferConfig())

	item := Item{TrackID: "a", Track: catalog.Track{ID: "a"}, RequestedQuality: quality.Low}
	if _, err := tr.Transfer(context.Background(), item, nil); err == nil {
		t.Fatal("Transfer() should fail on 403")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("stream requests = %d, want 1 (no retry on client errors)", got)
	}
}

func TestHTTPTransfererCancelled(t *testing.T) {
	tr, _ := newTestTransferer(t, http.NotFoundHandler(), DefaultTransferConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item := Item{TrackID: "a", Track: catalog.Track{ID: "a"}, RequestedQuality: quality.Low}
	if _, err := tr.Transfer(ctx, item, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Transfer() error = %v, want context.Canceled", err)
	}
}

func TestThrottledReader(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	limiter := rate.NewLimiter(rate.Limit(8*1024), 1024)
	r := &throttledReader{ctx: context.Background(), r: bytes.NewReader(payload), limiter: limiter}

	start := time.Now()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload altered")
	}
	// the first burst is free, the remaining 3 KiB take ~375ms at 8 KiB/s
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("read finished in %v, limiter not applied", elapsed)
	}
}

func TestThrottledReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	limiter := rate.NewLimiter(rate.Limit(1), 1024)
	limiter.AllowN(time.Now(), 1024) // drain the bucket
	r := &throttledReader{ctx: ctx, r: bytes.NewReader(make([]byte, 2048)), limiter: limiter}

	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("expected error once the context is cancelled")
	}
}

func TestFileStem(t *testing.T) {
	tests := map[string]string{
		"f3a1c9":     "f3a1c9",
		"a/b":        "a_b",
		"../../etc":  "______etc",
		"track_01-x": "track_01-x",
	}
	for in, want := range tests {
		if got := fileStem(in); got != want {
			t.Errorf("fileStem(%q) = %q, want %q", in, got, want)
		}
	}
}
