// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// PullDBFile downloads the database stored under key into dest. The body is
// streamed into a temporary file next to dest and renamed into place only
// after the full body arrived, so an interrupted download never leaves a
// truncated database behind. Parent directories are created as needed.
// It returns the number of bytes written.
func (c *Client) PullDBFile(ctx context.Context, key, dest string) (int64, error) {
	const op = "pull db file"

	ctx, cancel := context.WithTimeout(ctx, c.longTimeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, op, http.MethodGet, filesPath(key), nil, true)
	if err != nil {
		return 0, err
	}

	resp, err := c.send(ctx, op, httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return 0, newAPIError(op, resp.StatusCode, body)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("%s: failed to create directory for %s: %w", op, dest, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("%s: failed to create temp file: %w", op, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		_ = tmp.Close()
		return n, &NetworkError{Op: op, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("%s: failed to close temp file: %w", op, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return n, fmt.Errorf("%s: failed to move download into place: %w", op, err)
	}
	committed = true

	c.logger.Debug("Downloaded database file", "key", key, "dest", dest, "bytes", n)
	return n, nil
}

// UploadDBFile streams the local file src to the backend under key.
func (c *Client) UploadDBFile(ctx context.Context, key, src string) error {
	const op = "upload db file"

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%s: failed to open %s: %w", op, src, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%s: failed to stat %s: %w", op, src, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.longTimeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, op, http.MethodPut, filesPath(key), f, true)
	if err != nil {
		return err
	}
	httpReq.ContentLength = st.Size()
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.send(ctx, op, httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError(op, resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func filesPath(key string) string {
	return "/sync/files?key=" + url.QueryEscape(key)
}
