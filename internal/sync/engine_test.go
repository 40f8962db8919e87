package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mholtta/dropwatch/internal/dropbox"
	"github.com/mholtta/dropwatch/internal/store"
)

// memProcessedStore is an in-memory ProcessedStore.
type memProcessedStore struct {
	mu    sync.Mutex
	files map[string]store.ProcessedFile
	err   error
}

func newMemProcessedStore() *memProcessedStore {
	return &memProcessedStore{files: make(map[string]store.ProcessedFile)}
}

func (m *memProcessedStore) MarkProcessed(_ context.Context, f store.ProcessedFile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return false, m.err
	}

	if _, ok := m.files[f.FileID]; ok {
		return false, nil
	}

	m.files[f.FileID] = f

	return true, nil
}

func (m *memProcessedStore) IsProcessed(_ context.Context, fileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.files[fileID]

	return ok, nil
}

// fakeLinkClient returns scripted links per path.
type fakeLinkClient struct {
	mu    sync.Mutex
	links map[string]string
	errs  map[string]error
	calls int
}

func (f *fakeLinkClient) TemporaryLink(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if err := f.errs[path]; err != nil {
		return "", err
	}

	return f.links[path], nil
}

func newTestEngine(t *testing.T, client *fakeListClient, processed *memProcessedStore, links *fakeLinkClient) *Engine {
	t.Helper()

	p := NewPoller(PollerConfig{
		Client:  client,
		Cursors: newMemCursorStore(),
		Folder:  "/watched",
		Policy:  BootstrapIgnoreExisting,
		Logger:  slog.Default(),
	})

	var dedup *Deduplicator
	if processed != nil {
		dedup = NewDeduplicator(processed, slog.Default())
	}

	var enricher *Enricher
	if links != nil {
		enricher = NewEnricher(links, slog.Default())
	}

	return NewEngine(p, dedup, enricher, slog.Default())
}

func TestSyncOnce_ReportsOnlyFiles(t *testing.T) {
	now := time.Now()
	client := &fakeListClient{
		pages: map[string]*dropbox.Page{
			"cursor-0": {
				Entries: []dropbox.Entry{
					fileEntry("id:1", "a.txt", now),
					{Kind: dropbox.KindFolder, Name: "sub", PathDisplay: "/Watched/sub"},
					{Kind: dropbox.KindDeleted, Name: "gone.txt", PathDisplay: "/Watched/gone.txt"},
					fileEntry("id:2", "b.txt", now),
				},
				Cursor: "cursor-1",
			},
		},
	}

	e := newTestEngine(t, client, newMemProcessedStore(), nil)

	// First cycle bootstraps the cursor.
	seedCursor(t, e, client)

	records, err := e.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "id:1", records[0].ID)
	assert.Equal(t, "/Watched/a.txt", records[0].Path)
	assert.Equal(t, "id:2", records[1].ID)
}

// seedCursor runs a bootstrap cycle so the next SyncOnce drains from
// cursor-0.
func seedCursor(t *testing.T, e *Engine, client *fakeListClient) {
	t.Helper()

	client.mu.Lock()
	client.latestCursor = "cursor-0"
	client.mu.Unlock()

	records, err := e.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSyncOnce_ReplayedEntriesSuppressed(t *testing.T) {
	now := time.Now()
	page := &dropbox.Page{
		Entries: []dropbox.Entry{fileEntry("id:1", "a.txt", now)},
		Cursor:  "cursor-1",
	}
	client := &fakeListClient{
		pages: map[string]*dropbox.Page{
			"cursor-0": page,
			// The provider replays the same entry on the next cursor.
			"cursor-1": {
				Entries: page.Entries,
				Cursor:  "cursor-2",
			},
		},
	}

	e := newTestEngine(t, client, newMemProcessedStore(), nil)
	seedCursor(t, e, client)

	records, err := e.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	records, err = e.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSyncOnce_DedupSurvivesRestart(t *testing.T) {
	now := time.Now()
	processed := newMemProcessedStore()

	client := &fakeListClient{
		pages: map[string]*dropbox.Page{
			"cursor-0": {
				Entries: []dropbox.Entry{fileEntry("id:1", "a.txt", now)},
				Cursor:  "cursor-1",
			},
		},
	}

	e := newTestEngine(t, client, processed, nil)
	seedCursor(t, e, client)

	records, err := e.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	// A fresh engine over the same record store re-reads cursor-0 after a
	// simulated restart and must not report the file again.
	e2 := newTestEngine(t, client, processed, nil)
	seedCursor(t, e2, client)

	client.mu.Lock()
	client.pages["cursor-0"] = &dropbox.Page{
		Entries: []dropbox.Entry{fileEntry("id:1", "a.txt", now)},
		Cursor:  "cursor-1",
	}
	client.mu.Unlock()

	records, err = e2.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSyncOnce_StoreErrorFailsCycle(t *testing.T) {
	now := time.Now()
	processed := newMemProcessedStore()
	processed.err = errors.New("disk full")

	client := &fakeListClient{
		pages: map[string]*dropbox.Page{
			"cursor-0": {
				Entries: []dropbox.Entry{fileEntry("id:1", "a.txt", now)},
				Cursor:  "cursor-1",
			},
		},
	}

	e := newTestEngine(t, client, processed, nil)
	seedCursor(t, e, client)

	_, err := e.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSyncOnce_EnrichmentAttachesLinks(t *testing.T) {
	now := time.Now()
	client := &fakeListClient{
		pages: map[string]*dropbox.Page{
			"cursor-0": {
				Entries: []dropbox.Entry{
					fileEntry("id:1", "a.txt", now),
					fileEntry("id:2", "b.txt", now),
				},
				Cursor: "cursor-1",
			},
		},
	}

	links := &fakeLinkClient{
		links: map[string]string{
			"/Watched/a.txt": "https://dl.example.com/a",
			"/Watched/b.txt": "https://dl.example.com/b",
		},
	}

	e := newTestEngine(t, client, newMemProcessedStore(), links)
	seedCursor(t, e, client)

	records, err := e.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NotNil(t, records[0].Enrichment)
	assert.Equal(t, "https://dl.example.com/a", records[0].Enrichment.TemporaryLink)
	require.NotNil(t, records[1].Enrichment)
	assert.Equal(t, "https://dl.example.com/b", records[1].Enrichment.TemporaryLink)
}

func TestSyncOnce_EnrichmentFailureDegradesRecord(t *testing.T) {
	now := time.Now()
	client := &fakeListClient{
		pages: map[string]*dropbox.Page{
			"cursor-0": {
				Entries: []dropbox.Entry{
					fileEntry("id:1", "a.txt", now),
					fileEntry("id:2", "b.txt", now),
				},
				Cursor: "cursor-1",
			},
		},
	}

	links := &fakeLinkClient{
		links: map[string]string{"/Watched/b.txt": "https://dl.example.com/b"},
		errs:  map[string]error{"/Watched/a.txt": errors.New("link unavailable")},
	}

	e := newTestEngine(t, client, newMemProcessedStore(), links)
	seedCursor(t, e, client)

	records, err := e.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Both records are still delivered; only the failed one lacks a link.
	assert.Nil(t, records[0].Enrichment)
	require.NotNil(t, records[1].Enrichment)
	assert.Equal(t, "https://dl.example.com/b", records[1].Enrichment.TemporaryLink)
}

func TestSyncOnce_MediaInfoCarriedThrough(t *testing.T) {
	now := time.Now()
	taken := now.Add(-24 * time.Hour)

	entry := fileEntry("id:1", "clip.mp4", now)
	entry.Media = &dropbox.MediaInfo{Kind: "video", TimeTaken: taken, DurationMS: 4200}

	client := &fakeListClient{
		pages: map[string]*dropbox.Page{
			"cursor-0": {Entries: []dropbox.Entry{entry}, Cursor: "cursor-1"},
		},
	}

	e := newTestEngine(t, client, newMemProcessedStore(), nil)
	seedCursor(t, e, client)

	records, err := e.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Enrichment)
	require.NotNil(t, records[0].Enrichment.Media)
	assert.Equal(t, "video", records[0].Enrichment.Media.Kind)
	assert.Equal(t, int64(4200), records[0].Enrichment.Media.DurationMS)
}

func TestMarkNew_RejectsEntryWithoutID(t *testing.T) {
	d := NewDeduplicator(newMemProcessedStore(), slog.Default())

	_, err := d.MarkNew(context.Background(), dropbox.Entry{
		Kind:        dropbox.KindFile,
		PathDisplay: "/Watched/x.txt",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without id")
}
