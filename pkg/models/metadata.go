package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Metadata identifies the sensor backend build the feed comes from.
type Metadata struct {
	Version    string
	ReleaseTag string
	CommitID   string
	StartTime  Instant
}

var (
	metadataVersionKeys = []string{"version"}
	metadataReleaseKeys = []string{"releaseTag", "releasetag", "release_tag"}
	metadataCommitKeys  = []string{"commitId", "commitid", "commit_id", "shortcommitid", "shortCommitId", "short_commit_id"}
	metadataStartKeys   = []string{"startTime", "start", "start_time"}
)

// UnmarshalJSON accepts both the honeytrap and camelCase field spellings.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("decode metadata: not an object")
	}

	var md Metadata
	var err error
	if md.Version, err = stringField(fields, metadataVersionKeys); err != nil {
		return err
	}
	if md.ReleaseTag, err = stringField(fields, metadataReleaseKeys); err != nil {
		return err
	}
	if md.CommitID, err = stringField(fields, metadataCommitKeys); err != nil {
		return err
	}
	if raw, ok := pick(fields, metadataStartKeys); ok {
		if err := md.StartTime.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("decode metadata start: %w", err)
		}
	}

	*m = md
	return nil
}

type metadataJSON struct {
	Version    string  `json:"version"`
	ReleaseTag string  `json:"releaseTag,omitempty"`
	CommitID   string  `json:"commitId,omitempty"`
	StartTime  Instant `json:"startTime"`
}

// MarshalJSON implements json.Marshaler.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataJSON(m))
}

// Normalize returns a copy with a UTC start time.
func (m Metadata) Normalize() Metadata {
	m.StartTime = NewInstant(m.StartTime.Time)
	return m
}
