package filetree

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lzjever/crawlhub/internal/archive"
)

// HTTPTree moves gzipped tarballs through the provider's files endpoint.
type HTTPTree struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPTree(baseURL, token string, hc *http.Client) *HTTPTree {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPTree{baseURL: strings.TrimRight(baseURL, "/"), token: token, httpClient: hc}
}

func (t *HTTPTree) url(workspaceID string) string {
	return t.baseURL + "/api/v2/workspaces/" + url.PathEscape(workspaceID) + "/files"
}

func (t *HTTPTree) Snapshot(ctx context.Context, workspaceID string) (archive.Archive, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(workspaceID), nil)
	if err != nil {
		return archive.Archive{}, err
	}
	req.Header.Set("Coder-Session-Token", t.token)
	req.Header.Set("Accept", "application/gzip")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return archive.Archive{}, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return archive.Archive{}, fmt.Errorf("snapshot: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, archive.MaxSize+1))
	if err != nil {
		return archive.Archive{}, fmt.Errorf("snapshot read: %w", err)
	}
	if len(data) > archive.MaxSize {
		return archive.Archive{}, archive.ErrTooLarge
	}
	count, _ := strconv.Atoi(resp.Header.Get("X-File-Count"))
	return archive.Archive{Data: data, FileCount: count}, nil
}

func (t *HTTPTree) Overwrite(ctx context.Context, workspaceID string, a archive.Archive) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.url(workspaceID), bytes.NewReader(a.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Coder-Session-Token", t.token)
	req.Header.Set("Content-Type", "application/gzip")
	req.Header.Set("X-File-Count", strconv.Itoa(a.FileCount))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("overwrite request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("overwrite: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
