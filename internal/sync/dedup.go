package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mholtta/dropwatch/internal/dropbox"
	"github.com/mholtta/dropwatch/internal/store"
)

// ProcessedStore is the durable record set backing at-most-once delivery.
// Satisfied by *store.SQLiteStore.
type ProcessedStore interface {
	MarkProcessed(ctx context.Context, f store.ProcessedFile) (bool, error)
	IsProcessed(ctx context.Context, fileID string) (bool, error)
}

// Deduplicator enforces at-most-once delivery per file id across process
// restarts and concurrent sync cycles. The conditional insert in
// MarkNew is the source of truth — a prior IsProcessed read is advisory
// only and never trusted across the check-then-mark window.
type Deduplicator struct {
	store  ProcessedStore
	logger *slog.Logger
}

// NewDeduplicator creates a deduplicator over the given record store.
func NewDeduplicator(st ProcessedStore, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Deduplicator{store: st, logger: logger}
}

// IsProcessed reports whether the file id already has a delivery record.
func (d *Deduplicator) IsProcessed(ctx context.Context, fileID string) (bool, error) {
	return d.store.IsProcessed(ctx, fileID)
}

// MarkNew writes the delivery record for the entry. Returns true when this
// call created the record — exactly one caller ever sees true for a given
// file id, no matter how many concurrent cycles race on it.
func (d *Deduplicator) MarkNew(ctx context.Context, e dropbox.Entry) (bool, error) {
	if e.ID == "" {
		return false, fmt.Errorf("sync: cannot mark entry without id (path %s)", e.PathDisplay)
	}

	newly, err := d.store.MarkProcessed(ctx, store.ProcessedFile{
		FileID: e.ID,
		Name:   e.Name,
		Path:   e.PathDisplay,
	})
	if err != nil {
		return false, err
	}

	if !newly {
		d.logger.Debug("suppressing already delivered file",
			slog.String("file_id", e.ID),
			slog.String("path", e.PathDisplay),
		)
	}

	return newly, nil
}
