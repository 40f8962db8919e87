package dropbox

import (
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"
)

// EntryKind distinguishes the three metadata variants a listing can return.
type EntryKind string

// Entry kinds, matching the Dropbox metadata union tags.
const (
	KindFile    EntryKind = "file"
	KindFolder  EntryKind = "folder"
	KindDeleted EntryKind = "deleted"
)

// Entry represents one item from a folder listing (file, folder, or a
// deletion marker). Fields are normalized from the API response — callers
// never see raw API data. Paths and names are NFC-normalized because
// Dropbox preserves whatever Unicode form the uploading client used.
type Entry struct {
	Kind           EntryKind
	ID             string // empty for deleted entries (the API omits it)
	Name           string
	PathLower      string
	PathDisplay    string
	ClientModified time.Time
	ServerModified time.Time
	Size           int64
	ContentHash    string
	Media          *MediaInfo // populated only when media info is requested
}

// MediaInfo carries photo/video metadata when include_media_info is set.
type MediaInfo struct {
	Kind       string // "photo" or "video"
	TimeTaken  time.Time
	DurationMS int64 // videos only
}

// Page is one page of listing results. HasMore signals that the caller
// must continue with the returned cursor before the listing is complete.
type Page struct {
	Entries []Entry
	Cursor  string
	HasMore bool
}

// entryResponse mirrors the Dropbox metadata JSON for all three variants.
type entryResponse struct {
	Tag            string    `json:".tag"` //nolint:tagliatelle // union tag key
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PathLower      string    `json:"path_lower"`
	PathDisplay    string    `json:"path_display"`
	ClientModified time.Time `json:"client_modified"`
	ServerModified time.Time `json:"server_modified"`
	Size           int64     `json:"size"`
	ContentHash    string    `json:"content_hash"`
	MediaInfo      *struct {
		Tag      string `json:".tag"` //nolint:tagliatelle // union tag key
		Metadata *struct {
			Tag       string    `json:".tag"` //nolint:tagliatelle // union tag key
			TimeTaken time.Time `json:"time_taken"`
			Duration  int64     `json:"duration"`
		} `json:"metadata"`
	} `json:"media_info"`
}

// toEntry converts a raw metadata response into a normalized Entry.
func (r *entryResponse) toEntry(logger *slog.Logger) Entry {
	e := Entry{
		Kind:           EntryKind(r.Tag),
		ID:             r.ID,
		Name:           norm.NFC.String(r.Name),
		PathLower:      norm.NFC.String(r.PathLower),
		PathDisplay:    norm.NFC.String(r.PathDisplay),
		ClientModified: r.ClientModified,
		ServerModified: r.ServerModified,
		Size:           r.Size,
		ContentHash:    r.ContentHash,
	}

	switch e.Kind {
	case KindFile, KindFolder, KindDeleted:
	default:
		// Unknown union member — keep the entry but flag it so a future
		// API addition is visible in the logs rather than silently odd.
		logger.Warn("unknown entry tag in listing response",
			slog.String("tag", r.Tag),
			slog.String("path", r.PathDisplay),
		)
	}

	if r.MediaInfo != nil && r.MediaInfo.Metadata != nil {
		e.Media = &MediaInfo{
			Kind:       r.MediaInfo.Metadata.Tag,
			TimeTaken:  r.MediaInfo.Metadata.TimeTaken,
			DurationMS: r.MediaInfo.Metadata.Duration,
		}
	}

	return e
}
