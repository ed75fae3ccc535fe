package onedrive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/transport"
)

// UploadFile replaces remotePath with the content of localPath. Files under
// SimpleUploadLimit go in one PUT, larger ones through an upload session.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, opts adapter.UploadOptions) (*adapter.RemoteObject, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat upload source: %w", err)
	}
	size := info.Size()

	var item *driveItem
	if size < SimpleUploadLimit {
		item, err = c.simpleUpload(ctx, localPath, remotePath, opts)
	} else {
		item, err = c.sessionUpload(ctx, localPath, remotePath, size, opts)
	}
	if err != nil {
		return nil, err
	}
	obj := item.toRemote(parentDir(remotePath))
	return &obj, nil
}

func parentDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (c *Client) simpleUpload(ctx context.Context, localPath, remotePath string, opts adapter.UploadOptions) (*driveItem, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read upload source: %w", err)
	}
	resp, err := c.http.Do(ctx, &transport.Request{
		Method: http.MethodPut,
		URL:    c.baseURL + itemPath(remotePath) + "/content",
		Header: http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:   data,
		Op:     "upload content",
	})
	if err != nil {
		return nil, err
	}
	var item driveItem
	if err := resp.DecodeJSON(&item); err != nil {
		return nil, err
	}
	if opts.Progress != nil {
		opts.Progress(int64(len(data)), int64(len(data)))
	}

	if !opts.ModTime.IsZero() {
		patch := map[string]any{
			"fileSystemInfo": fileSystemInfo{LastModifiedDateTime: formatTime(opts.ModTime)},
		}
		var patched driveItem
		if _, err := c.sendJSON(ctx, "set modified time", http.MethodPatch,
			c.baseURL+"/me/drive/items/"+url.PathEscape(item.ID), patch, &patched); err != nil {
			return nil, err
		}
		if patched.ID != "" {
			item = patched
		}
	}
	return &item, nil
}

type uploadSession struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

func (c *Client) sessionUpload(ctx context.Context, localPath, remotePath string, size int64, opts adapter.UploadOptions) (*driveItem, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	itemProps := map[string]any{
		"@microsoft.graph.conflictBehavior": "replace",
	}
	if !opts.ModTime.IsZero() {
		itemProps["fileSystemInfo"] = fileSystemInfo{LastModifiedDateTime: formatTime(opts.ModTime)}
	}
	var session uploadSession
	if _, err := c.sendJSON(ctx, "create upload session", http.MethodPost,
		c.baseURL+itemPath(remotePath)+"/createUploadSession", map[string]any{"item": itemProps}, &session); err != nil {
		return nil, err
	}
	if session.UploadURL == "" {
		return nil, adapter.NewError(adapter.ErrTransport, "create upload session", fmt.Errorf("no upload url in response"))
	}
	c.logger.Debug("upload session created",
		zap.String("path", remotePath), zap.Int64("size", size), zap.String("expires", session.ExpirationDateTime))

	item, err := c.sendChunks(ctx, f, session.UploadURL, size, opts.Progress)
	if err != nil {
		c.cancelSession(session.UploadURL)
		return nil, err
	}
	return item, nil
}

func (c *Client) sendChunks(ctx context.Context, f *os.File, uploadURL string, size int64, progress func(sent, total int64)) (*driveItem, error) {
	buf := make([]byte, c.chunkSize)
	var offset int64
	for offset < size {
		n := c.chunkSize
		if remaining := size - offset; remaining < n {
			n = remaining
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek upload source: %w", err)
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return nil, fmt.Errorf("read upload source: %w", err)
		}
		end := offset + n - 1

		resp, err := c.http.Do(ctx, &transport.Request{
			Method: http.MethodPut,
			URL:    uploadURL,
			Header: http.Header{
				"Content-Range": []string{fmt.Sprintf("bytes %d-%d/%d", offset, end, size)},
				"Content-Type":  []string{"application/octet-stream"},
			},
			Body:     buf[:n],
			SkipAuth: true,
			Op:       "upload chunk",
		})
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(end+1, size)
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			var item driveItem
			if err := resp.DecodeJSON(&item); err != nil {
				return nil, err
			}
			return &item, nil
		case http.StatusAccepted:
			var status uploadSession
			if err := resp.DecodeJSON(&status); err != nil {
				return nil, err
			}
			next := nextOffset(status.NextExpectedRanges, end+1)
			if next <= offset || next > size {
				return nil, adapter.NewError(adapter.ErrTransport, "upload chunk",
					fmt.Errorf("server expects offset %d after sending %d-%d", next, offset, end))
			}
			offset = next
		default:
			return nil, adapter.NewError(adapter.ErrTransport, "upload chunk",
				fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}
	return nil, adapter.NewError(adapter.ErrTransport, "upload chunk",
		fmt.Errorf("session ended at %d/%d bytes without a drive item", offset, size))
}

// nextOffset reads the start of the first "a-b" or "a-" range.
func nextOffset(ranges []string, fallback int64) int64 {
	if len(ranges) == 0 {
		return fallback
	}
	start, _, _ := strings.Cut(ranges[0], "-")
	v, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// cancelSession discards a failed session; errors are only logged.
func (c *Client) cancelSession(uploadURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.http.Do(ctx, &transport.Request{
		Method:   http.MethodDelete,
		URL:      uploadURL,
		SkipAuth: true,
		Timeout:  5 * time.Second,
		Op:       "cancel upload session",
	})
	if err != nil {
		c.logger.Warn("cancel upload session", zap.Error(err))
	}
}
