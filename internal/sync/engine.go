package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mholtta/dropwatch/internal/dropbox"
)

// Engine runs one full sync cycle: poll, filter to files, deduplicate,
// enrich. It is the single entry point the webhook gateway, the interval
// ticker, and the one-shot CLI command all share.
type Engine struct {
	poller   *Poller
	dedup    *Deduplicator // nil when running in watermark mode
	enricher *Enricher     // nil when link enrichment is off
	logger   *slog.Logger
}

// NewEngine wires a poller with the optional deduplicator and enricher.
func NewEngine(poller *Poller, dedup *Deduplicator, enricher *Enricher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		poller:   poller,
		dedup:    dedup,
		enricher: enricher,
		logger:   logger,
	}
}

// SyncOnce runs one cycle and returns the newly observed files in provider
// order. A coalesced cycle (poll already in flight) returns an empty
// result, not an error. An empty result is normal: most webhook
// notifications arrive after the triggering change was already drained.
func (e *Engine) SyncOnce(ctx context.Context) ([]FileRecord, error) {
	logger := e.logger.With(slog.String("cycle_id", uuid.NewString()))

	entries, err := e.poller.Poll(ctx)
	if err != nil {
		if errors.Is(err, ErrPollInFlight) {
			logger.Debug("sync trigger coalesced into in-flight poll")
			return nil, nil
		}

		return nil, err
	}

	var records []FileRecord

	for _, entry := range entries {
		if entry.Kind != dropbox.KindFile {
			continue
		}

		if e.dedup != nil {
			newly, err := e.dedup.MarkNew(ctx, entry)
			if err != nil {
				return nil, err
			}

			if !newly {
				continue
			}
		}

		records = append(records, toRecord(entry))
	}

	if e.enricher != nil && len(records) > 0 {
		e.enricher.Enrich(ctx, records)
	}

	logger.Info("sync cycle complete",
		slog.Int("entries", len(entries)),
		slog.Int("new_files", len(records)),
	)

	return records, nil
}
