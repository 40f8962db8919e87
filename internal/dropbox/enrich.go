package dropbox

import (
	"context"
	"fmt"
	"log/slog"
)

// TemporaryLink fetches a short-lived direct-download URL for the file at
// the given path. Links expire after four hours; callers must not persist
// them. The returned URL is pre-authenticated — never log it.
func (c *Client) TemporaryLink(ctx context.Context, path string) (string, error) {
	arg := struct {
		Path string `json:"path"`
	}{Path: path}

	var out struct {
		Link string `json:"link"`
	}

	if err := c.call(ctx, "/files/get_temporary_link", arg, &out); err != nil {
		return "", err
	}

	if out.Link == "" {
		return "", fmt.Errorf("dropbox: get_temporary_link returned an empty link")
	}

	c.logger.Debug("fetched temporary link", slog.String("path", path))

	return out.Link, nil
}
