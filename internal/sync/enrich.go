package sync

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// enrichParallelism bounds concurrent metadata fetches per cycle.
const enrichParallelism = 4

// LinkClient is the provider surface the enricher needs.
// Satisfied by *dropbox.Client.
type LinkClient interface {
	TemporaryLink(ctx context.Context, path string) (string, error)
}

// Enricher attaches short-lived download links to records after dedup.
// Enrichment is best-effort: a failed fetch logs a warning and leaves the
// record without a link, it never suppresses delivery.
type Enricher struct {
	client LinkClient
	logger *slog.Logger
}

// NewEnricher creates an enricher over the given provider client.
func NewEnricher(client LinkClient, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Enricher{client: client, logger: logger}
}

// Enrich fetches temporary links for the records in place, a bounded
// number at a time. It always returns nil: per-record failures degrade
// that record only.
func (e *Enricher) Enrich(ctx context.Context, records []FileRecord) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichParallelism)

	for i := range records {
		g.Go(func() error {
			rec := &records[i]

			link, err := e.client.TemporaryLink(gctx, rec.Path)
			if err != nil {
				e.logger.Warn("temporary link fetch failed",
					slog.String("path", rec.Path),
					slog.String("error", err.Error()),
				)

				return nil
			}

			if rec.Enrichment == nil {
				rec.Enrichment = &Enrichment{}
			}

			rec.Enrichment.TemporaryLink = link

			return nil
		})
	}

	// Workers never return errors, so Wait only synchronizes.
	_ = g.Wait()
}
