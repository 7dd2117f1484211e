package migration

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDetectVersion(t *testing.T) {
	tests := []struct {
		name     string
		blob     string
		expected int
		wantErr  bool
	}{
		{"legacy array", `[{"trackId":"a"}]`, 0, false},
		{"legacy array with whitespace", "  \n[]", 0, false},
		{"envelope", `{"version":1,"records":[]}`, 1, false},
		{"future envelope", `{"version":7,"records":[]}`, 7, false},
		{"zero version envelope", `{"version":0,"records":[]}`, 0, true},
		{"empty", "", 0, true},
		{"garbage", "not json", 0, true},
		{"broken object", `{"version":`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := DetectVersion([]byte(tt.blob))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectVersion(%q) error = %v, wantErr %v", tt.blob, err, tt.wantErr)
			}
			if err == nil && version != tt.expected {
				t.Errorf("DetectVersion(%q) = %d, expected %d", tt.blob, version, tt.expected)
			}
		})
	}
}

func TestMigrate_LegacyArray(t *testing.T) {
	blob := `[
		{"trackId":"t1","localPath":"t1.mp3","artworkPath":"t1.jpg","quality":"high","savedAt":1700000000000,"isAutoDownloaded":false,"fileSizeBytes":100,"artworkSizeBytes":10,"title":"Song"},
		{"trackId":"t2","localPath":"t2.mp3","quality":"low","savedAt":"2024-01-02T03:04:05Z","isAutoDownloaded":true},
		{"trackId":"t3","localPath":"t3.mp3","savedAt":"1700000000000"},
		{"localPath":"orphan.mp3"}
	]`

	result, err := NewMigrator(nil).Migrate([]byte(blob))
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if result.FromVersion != 0 || result.ToVersion != CurrentVersion {
		t.Errorf("Expected 0 -> %d, got %d -> %d", CurrentVersion, result.FromVersion, result.ToVersion)
	}
	if !result.Migrated() {
		t.Error("Expected migration to be applied")
	}

	var records []recordV1
	if err := json.Unmarshal(result.Records, &records); err != nil {
		t.Fatalf("Failed to decode migrated records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records (orphan dropped), got %d", len(records))
	}

	if records[0].TrackID != "t1" || records[0].ArtworkSizeBytes != 10 || records[0].Title != "Song" {
		t.Errorf("Unexpected first record %+v", records[0])
	}
	if !records[0].SavedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Unexpected epoch conversion %v", records[0].SavedAt)
	}
	if !records[1].SavedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("Unexpected RFC 3339 conversion %v", records[1].SavedAt)
	}
	if !records[1].IsAutoDownloaded {
		t.Error("Expected auto flag to be carried over")
	}
	if !records[2].SavedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Unexpected numeric string conversion %v", records[2].SavedAt)
	}
}

func TestMigrate_CurrentEnvelopeUntouched(t *testing.T) {
	blob := `{"version":1,"records":[{"track_id":"t1","local_path":"t1.mp3","quality":"low"}]}`

	result, err := NewMigrator(nil).Migrate([]byte(blob))
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if result.Migrated() {
		t.Errorf("Expected no steps, got %v", result.Applied)
	}
	if !strings.Contains(string(result.Records), `"track_id":"t1"`) {
		t.Errorf("Expected records payload to pass through, got %s", result.Records)
	}
}

func TestMigrate_NullRecords(t *testing.T) {
	result, err := NewMigrator(nil).Migrate([]byte(`{"version":1,"records":null}`))
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if string(result.Records) != "[]" {
		t.Errorf("Expected empty array, got %s", result.Records)
	}
}

func TestMigrate_Rejects(t *testing.T) {
	tests := []string{
		`{"version":99,"records":[]}`,
		`[{"trackId":"a","savedAt":"yesterday"}]`,
		`[1,2,3]`,
		`garbage`,
	}

	for _, blob := range tests {
		if _, err := NewMigrator(nil).Migrate([]byte(blob)); err == nil {
			t.Errorf("Expected error for %s", blob)
		}
	}
}

func TestWrap(t *testing.T) {
	blob, err := Wrap([]recordV1{{TrackID: "t1", Quality: "high"}})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	version, err := DetectVersion(blob)
	if err != nil || version != CurrentVersion {
		t.Errorf("Expected wrapped blob at version %d, got %d (%v)", CurrentVersion, version, err)
	}
}
