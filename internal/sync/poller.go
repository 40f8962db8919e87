package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/mholtta/dropwatch/internal/dropbox"
)

// BootstrapPolicy controls what the very first poll (no cursor yet) reports.
type BootstrapPolicy string

const (
	// BootstrapIgnoreExisting establishes a cursor at the current state
	// without reporting anything: only future changes count as new.
	BootstrapIgnoreExisting BootstrapPolicy = "ignore-existing"

	// BootstrapIncludeExisting lists the full current contents and reports
	// every existing file as new.
	BootstrapIncludeExisting BootstrapPolicy = "include-existing"
)

// ErrPollInFlight is returned when a poll is already running for the
// watched folder. The trigger is safe to drop: the in-flight poll will
// observe the same or newer provider state.
var ErrPollInFlight = errors.New("sync: poll already in flight")

// ListClient is the provider surface the poller needs.
// Satisfied by *dropbox.Client.
type ListClient interface {
	ListFolder(ctx context.Context, arg dropbox.ListFolderArg) (*dropbox.Page, error)
	LatestCursor(ctx context.Context, arg dropbox.ListFolderArg) (string, error)
	ListFolderContinue(ctx context.Context, cursor string) (*dropbox.Page, error)
}

// CursorStore persists the cursor across restarts.
// Satisfied by *store.SQLiteStore.
type CursorStore interface {
	Cursor(ctx context.Context, folderPath string) (string, error)
	SaveCursor(ctx context.Context, folderPath, cursor string) error
	DeleteCursor(ctx context.Context, folderPath string) error
}

// PollerConfig holds the options for NewPoller.
type PollerConfig struct {
	Client           ListClient
	Cursors          CursorStore // optional: nil keeps the cursor in memory only
	Folder           string
	Policy           BootstrapPolicy
	IncludeMediaInfo bool
	Watermark        *Watermark // optional: timestamp fallback filter
	Logger           *slog.Logger
}

// Poller drives the incremental-listing protocol for one watched folder.
// It owns the cursor: no other component reads or writes it. Poll calls
// are mutually exclusive per poller; an overlapping call is coalesced
// into a no-op rather than queued, because concurrent continue calls
// against the same cursor would make the provider invalidate it.
type Poller struct {
	client    ListClient
	cursors   CursorStore
	folder    string
	policy    BootstrapPolicy
	mediaInfo bool
	watermark *Watermark
	logger    *slog.Logger

	// mu serializes polls. TryLock implements trigger coalescing.
	mu     stdsync.Mutex
	cursor string
	loaded bool
}

// NewPoller creates a poller in the uninitialized state. The persisted
// cursor, if any, is loaded lazily on the first Poll call.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := cfg.Policy
	if policy == "" {
		policy = BootstrapIgnoreExisting
	}

	return &Poller{
		client:    cfg.Client,
		cursors:   cfg.Cursors,
		folder:    cfg.Folder,
		policy:    policy,
		mediaInfo: cfg.IncludeMediaInfo,
		watermark: cfg.Watermark,
		logger:    logger,
	}
}

// Poll drains everything currently pending for the watched folder and
// advances the cursor. A poll call is "drain all pages", not "one page".
// Returns ErrPollInFlight when another poll is running — callers treat
// that as "nothing new". A cursor-reset response discards the cursor and
// re-bootstraps once within the same call.
func (p *Poller) Poll(ctx context.Context) ([]dropbox.Entry, error) {
	if !p.mu.TryLock() {
		return nil, ErrPollInFlight
	}
	defer p.mu.Unlock()

	if err := p.loadCursor(ctx); err != nil {
		return nil, err
	}

	if p.cursor == "" {
		return p.bootstrap(ctx)
	}

	entries, err := p.drain(ctx)
	if errors.Is(err, dropbox.ErrCursorReset) {
		p.logger.Warn("cursor invalidated by provider, re-bootstrapping",
			slog.String("folder", p.folder),
		)

		p.resetCursor(ctx)

		// One retry from a fresh cursor; a second failure propagates.
		return p.bootstrap(ctx)
	}

	return entries, err
}

// loadCursor restores the persisted cursor once per poller lifetime.
// Callers must hold mu.
func (p *Poller) loadCursor(ctx context.Context) error {
	if p.loaded || p.cursors == nil {
		p.loaded = true
		return nil
	}

	cursor, err := p.cursors.Cursor(ctx, p.folder)
	if err != nil {
		return fmt.Errorf("sync: restoring cursor: %w", err)
	}

	if cursor != "" {
		p.logger.Info("restored persisted cursor", slog.String("folder", p.folder))
	}

	p.cursor = cursor
	p.loaded = true

	return nil
}

// listArg builds the listing options shared by bootstrap and continue.
func (p *Poller) listArg() dropbox.ListFolderArg {
	return dropbox.ListFolderArg{
		Path:             p.folder,
		Recursive:        false,
		IncludeDeleted:   false,
		IncludeMediaInfo: p.mediaInfo,
	}
}

// bootstrap performs the first listing before any cursor exists and
// transitions the poller to the cursored state. Callers must hold mu.
func (p *Poller) bootstrap(ctx context.Context) ([]dropbox.Entry, error) {
	p.logger.Info("bootstrapping cursor",
		slog.String("folder", p.folder),
		slog.String("policy", string(p.policy)),
	)

	if p.policy == BootstrapIgnoreExisting {
		cursor, err := p.client.LatestCursor(ctx, p.listArg())
		if err != nil {
			return nil, err
		}

		p.commitCursor(ctx, cursor)

		return nil, nil
	}

	// include-existing: full listing, every current file reported as new.
	page, err := p.client.ListFolder(ctx, p.listArg())
	if err != nil {
		return nil, err
	}

	entries := page.Entries
	cursor := page.Cursor

	for page.HasMore {
		page, err = p.client.ListFolderContinue(ctx, cursor)
		if err != nil {
			return nil, err
		}

		entries = append(entries, page.Entries...)
		cursor = page.Cursor
	}

	p.commitCursor(ctx, cursor)

	return p.filter(entries), nil
}

// drain fetches continue pages until the provider reports no more pending
// changes, then commits the final cursor. Callers must hold mu.
func (p *Poller) drain(ctx context.Context) ([]dropbox.Entry, error) {
	var entries []dropbox.Entry

	cursor := p.cursor
	pages := 0

	for {
		page, err := p.client.ListFolderContinue(ctx, cursor)
		if err != nil {
			return nil, err
		}

		entries = append(entries, page.Entries...)
		cursor = page.Cursor
		pages++

		if !page.HasMore {
			break
		}
	}

	p.commitCursor(ctx, cursor)

	p.logger.Debug("drained pending changes",
		slog.String("folder", p.folder),
		slog.Int("entries", len(entries)),
		slog.Int("pages", pages),
	)

	return p.filter(entries), nil
}

// commitCursor advances the in-memory cursor and persists it. Persistence
// failures are logged, not fatal: the in-memory cursor is canonical for the
// process lifetime, and a lost save only costs a re-bootstrap after restart.
func (p *Poller) commitCursor(ctx context.Context, cursor string) {
	p.cursor = cursor

	if p.cursors == nil {
		return
	}

	if err := p.cursors.SaveCursor(ctx, p.folder, cursor); err != nil {
		p.logger.Warn("failed to persist cursor",
			slog.String("folder", p.folder),
			slog.String("error", err.Error()),
		)
	}
}

// resetCursor drops the cursor everywhere, returning the poller to the
// uninitialized state. Only called on an explicit invalidation signal.
func (p *Poller) resetCursor(ctx context.Context) {
	p.cursor = ""

	if p.cursors == nil {
		return
	}

	if err := p.cursors.DeleteCursor(ctx, p.folder); err != nil {
		p.logger.Warn("failed to delete persisted cursor",
			slog.String("folder", p.folder),
			slog.String("error", err.Error()),
		)
	}
}

// filter applies the optional watermark guard.
func (p *Poller) filter(entries []dropbox.Entry) []dropbox.Entry {
	if p.watermark == nil {
		return entries
	}

	return p.watermark.Apply(entries, p.logger)
}
