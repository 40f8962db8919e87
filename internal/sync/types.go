// Package sync implements the change-synchronization core: the cursor-based
// poller that drains pending changes from the provider, the deduplicator
// that enforces at-most-once delivery, and the engine that ties them
// together per trigger.
package sync

import (
	"time"

	"github.com/mholtta/dropwatch/internal/dropbox"
)

// FileRecord is one newly observed file, as reported to the downstream
// consumer. Records are delivered at most once per file id, in the order
// the provider returned them (which is not guaranteed oldest-first).
type FileRecord struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	ModifiedAt time.Time   `json:"modified_at"`
	Size       int64       `json:"size"`
	Enrichment *Enrichment `json:"enrichment,omitempty"`
}

// Enrichment carries optional extended metadata. Best-effort: a failed
// enrichment leaves the field nil, it never fails the cycle.
type Enrichment struct {
	TemporaryLink string             `json:"temporary_link,omitempty"`
	Media         *dropbox.MediaInfo `json:"media,omitempty"`
}

// toRecord converts a file entry into the downstream record shape.
func toRecord(e dropbox.Entry) FileRecord {
	rec := FileRecord{
		ID:         e.ID,
		Name:       e.Name,
		Path:       e.PathDisplay,
		ModifiedAt: e.ServerModified,
		Size:       e.Size,
	}

	if e.Media != nil {
		rec.Enrichment = &Enrichment{Media: e.Media}
	}

	return rec
}
