package dropbox

import (
	"context"
	"fmt"
	"log/slog"
)

// ListFolderArg holds the options for a folder listing. The same options
// apply to both the initial listing and get_latest_cursor, and Dropbox bakes
// them into the returned cursor — continue calls inherit them.
type ListFolderArg struct {
	Path             string `json:"path"`
	Recursive        bool   `json:"recursive"`
	IncludeDeleted   bool   `json:"include_deleted"`
	IncludeMediaInfo bool   `json:"include_media_info"`
}

// listFolderResponse mirrors the list_folder and list_folder/continue
// response JSON. Unexported — callers receive normalized Page values.
type listFolderResponse struct {
	Entries []entryResponse `json:"entries"`
	Cursor  string          `json:"cursor"`
	HasMore bool            `json:"has_more"`
}

// ListFolder performs the initial listing of a folder, returning the first
// page of current contents plus a cursor for incremental continuation.
func (c *Client) ListFolder(ctx context.Context, arg ListFolderArg) (*Page, error) {
	c.logger.Info("listing folder",
		slog.String("path", arg.Path),
		slog.Bool("recursive", arg.Recursive),
	)

	var lr listFolderResponse
	if err := c.call(ctx, "/files/list_folder", arg, &lr); err != nil {
		return nil, err
	}

	return c.toPage(&lr), nil
}

// LatestCursor returns a cursor pointing at the current state of the folder
// without enumerating its contents. Polling from this cursor yields only
// changes made after this call.
func (c *Client) LatestCursor(ctx context.Context, arg ListFolderArg) (string, error) {
	c.logger.Info("fetching latest cursor", slog.String("path", arg.Path))

	var out struct {
		Cursor string `json:"cursor"`
	}

	if err := c.call(ctx, "/files/list_folder/get_latest_cursor", arg, &out); err != nil {
		return "", err
	}

	if out.Cursor == "" {
		return "", fmt.Errorf("dropbox: get_latest_cursor returned an empty cursor")
	}

	return out.Cursor, nil
}

// ListFolderContinue fetches changes recorded after the given cursor.
// Returns ErrCursorReset (via errors.Is) when the server has invalidated
// the cursor and a fresh listing is required.
func (c *Client) ListFolderContinue(ctx context.Context, cursor string) (*Page, error) {
	arg := struct {
		Cursor string `json:"cursor"`
	}{Cursor: cursor}

	var lr listFolderResponse
	if err := c.call(ctx, "/files/list_folder/continue", arg, &lr); err != nil {
		return nil, err
	}

	return c.toPage(&lr), nil
}

// toPage normalizes a raw listing response.
func (c *Client) toPage(lr *listFolderResponse) *Page {
	entries := make([]Entry, 0, len(lr.Entries))
	for i := range lr.Entries {
		entries = append(entries, lr.Entries[i].toEntry(c.logger))
	}

	c.logger.Debug("fetched listing page",
		slog.Int("entries", len(entries)),
		slog.Bool("has_more", lr.HasMore),
	)

	return &Page{
		Entries: entries,
		Cursor:  lr.Cursor,
		HasMore: lr.HasMore,
	}
}
