package sync

import (
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/mholtta/dropwatch/internal/dropbox"
)

// Watermark is a monotonically non-decreasing modified-time filter. It is
// a fallback guard for deployments without a durable per-id dedup store:
// file entries at or before the watermark are dropped. Unlike per-id
// dedup it can miss out-of-order arrivals, which is why it is not the
// primary mechanism.
type Watermark struct {
	mu   stdsync.Mutex
	last time.Time
}

// NewWatermark creates a watermark starting at the given time. A zero time
// passes everything through until the first advance.
func NewWatermark(start time.Time) *Watermark {
	return &Watermark{last: start}
}

// Last returns the current watermark time.
func (w *Watermark) Last() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.last
}

// Apply drops file entries at or before the watermark and advances it to
// the newest modified time seen. Folder and deleted entries pass through
// untouched — they carry no server-modified time and are dropped later
// anyway. The watermark never regresses.
func (w *Watermark) Apply(entries []dropbox.Entry, logger *slog.Logger) []dropbox.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := entries[:0:0]
	newest := w.last

	for _, e := range entries {
		if e.Kind == dropbox.KindFile && !e.ServerModified.After(w.last) {
			logger.Debug("watermark dropped entry",
				slog.String("path", e.PathDisplay),
				slog.Time("modified", e.ServerModified),
			)

			continue
		}

		if e.Kind == dropbox.KindFile && e.ServerModified.After(newest) {
			newest = e.ServerModified
		}

		kept = append(kept, e)
	}

	w.last = newest

	return kept
}
