package migration

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// CurrentVersion is the record blob schema version written by this build.
const CurrentVersion = 1

// Envelope is the versioned layout of the offline record blob.
type Envelope struct {
	Version int             `json:"version"`
	Records json.RawMessage `json:"records"`
}

// Step upgrades the records payload from Version-1 to Version
type Step struct {
	Version int
	Name    string
	Up      func(records json.RawMessage) (json.RawMessage, error)
}

// steps contains all record migrations in order
var steps = []Step{
	{
		Version: 1,
		Name:    "legacy_array_to_envelope",
		Up:      upgradeLegacyArray,
	},
}

// MigrationResult describes one Migrate call
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Applied     []string
	Records     json.RawMessage
}

// Migrated reports whether any step ran.
func (r *MigrationResult) Migrated() bool {
	return len(r.Applied) > 0
}

// Migrator brings stored record blobs up to CurrentVersion
type Migrator struct {
	steps  []Step
	logger *zap.Logger
}

// NewMigrator creates a new Migrator
func NewMigrator(logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		steps:  steps,
		logger: logger,
	}
}

// DetectVersion returns the schema version of a stored blob. A bare JSON
// array is the unversioned layout (version 0).
func DetectVersion(blob []byte) (int, error) {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 {
		return 0, fmt.Errorf("empty record blob")
	}

	switch trimmed[0] {
	case '[':
		return 0, nil
	case '{':
		var env Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return 0, fmt.Errorf("failed to parse record envelope: %w", err)
		}
		if env.Version < 1 {
			return 0, fmt.Errorf("invalid record envelope version %d", env.Version)
		}
		return env.Version, nil
	default:
		return 0, fmt.Errorf("unrecognized record blob layout")
	}
}

// Migrate upgrades blob and returns the current-version records payload.
func (m *Migrator) Migrate(blob []byte) (*MigrationResult, error) {
	version, err := DetectVersion(blob)
	if err != nil {
		return nil, err
	}
	if version > CurrentVersion {
		return nil, fmt.Errorf("record blob version %d is newer than supported version %d", version, CurrentVersion)
	}

	var records json.RawMessage
	if version == 0 {
		records = json.RawMessage(bytes.TrimSpace(blob))
	} else {
		var env Envelope
		if err := json.Unmarshal(blob, &env); err != nil {
			return nil, fmt.Errorf("failed to parse record envelope: %w", err)
		}
		records = env.Records
	}

	result := &MigrationResult{
		FromVersion: version,
		ToVersion:   version,
	}

	for _, step := range m.steps {
		if step.Version <= version {
			continue
		}

		upgraded, err := step.Up(records)
		if err != nil {
			return nil, fmt.Errorf("failed to apply migration %d (%s): %w", step.Version, step.Name, err)
		}

		m.logger.Info("Migrated offline records",
			zap.Int("version", step.Version),
			zap.String("name", step.Name),
		)

		records = upgraded
		result.ToVersion = step.Version
		result.Applied = append(result.Applied, step.Name)
	}

	if len(records) == 0 || string(records) == "null" {
		records = json.RawMessage("[]")
	}
	result.Records = records

	return result, nil
}

// Wrap encodes records as a current-version envelope.
func Wrap(records any) ([]byte, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	return json.Marshal(Envelope{Version: CurrentVersion, Records: payload})
}
