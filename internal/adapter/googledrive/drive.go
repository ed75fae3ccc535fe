// Package googledrive implements adapter.ProviderClient over the Drive v3
// API. Remote paths are resolved segment by segment to folder ids.
package googledrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

const (
	folderMIME = "application/vnd.google-apps.folder"
	fileFields = "id, name, mimeType, modifiedTime, size, md5Checksum, parents"

	// uploadChunkSize is the resumable media chunk; the SDK switches to a
	// resumable session above it.
	uploadChunkSize = 4 << 20
)

// Options tune a Client.
type Options struct {
	// Endpoint overrides the API base URL.
	Endpoint string
	Logger   *zap.Logger
}

// Client talks to one Drive account.
type Client struct {
	service *drive.Service
	logger  *zap.Logger

	mu      sync.Mutex
	folders map[string]string // path -> folder id
}

var _ adapter.ProviderClient = (*Client)(nil)
var _ adapter.ProfileFetcher = (*Client)(nil)

// New creates a Client authenticated by ts.
func New(ctx context.Context, ts oauth2.TokenSource, opts Options) (*Client, error) {
	clientOpts := []option.ClientOption{option.WithTokenSource(ts)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	srv, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{service: srv, logger: logger, folders: map[string]string{"/": "root"}}, nil
}

// mapError converts a googleapi error into the adapter taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return adapter.NewError(adapter.ErrTransport, op, err)
	}
	reason := ""
	if len(gErr.Errors) > 0 {
		reason = gErr.Errors[0].Reason
	}
	kind := adapter.ErrRejected
	switch {
	case reason == "storageQuotaExceeded" || reason == "quotaExceeded" || gErr.Code == http.StatusInsufficientStorage:
		kind = adapter.ErrQuotaExceeded
	case gErr.Code == http.StatusNotFound:
		kind = adapter.ErrNotFound
	case gErr.Code == http.StatusPreconditionFailed:
		kind = adapter.ErrPreconditionFailed
	case gErr.Code == http.StatusUnauthorized || gErr.Code == http.StatusForbidden:
		kind = adapter.ErrAuthorization
	case gErr.Code == http.StatusTooManyRequests || gErr.Code >= 500:
		kind = adapter.ErrTransport
	}
	return &adapter.Error{Kind: kind, Op: op, Status: gErr.Code, Code: reason, Err: errors.New(gErr.Message)}
}

// quote escapes a value for a Drive query string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, `'`, `\'`) + "'"
}

func toRemote(f *drive.File, dir string) adapter.RemoteObject {
	mod, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return adapter.RemoteObject{
		ID:           f.Id,
		Name:         f.Name,
		Path:         adapter.JoinPath(dir, f.Name),
		Size:         f.Size,
		ModifiedTime: mod,
		IsFolder:     f.MimeType == folderMIME,
		Hash:         f.Md5Checksum,
	}
}

func (c *Client) findChild(ctx context.Context, parentID, name string, folderOnly bool) (*drive.File, error) {
	q := fmt.Sprintf("name = %s and %s in parents and trashed = false", quote(name), quote(parentID))
	if folderOnly {
		q += " and mimeType = " + quote(folderMIME)
	}
	r, err := c.service.Files.List().Q(q).Fields(googleapi.Field("files(" + fileFields + ")")).PageSize(1).Context(ctx).Do()
	if err != nil {
		return nil, mapError("find "+name, err)
	}
	if len(r.Files) == 0 {
		return nil, nil
	}
	return r.Files[0], nil
}

// resolveFolder returns the id of the folder at p. With create set,
// missing segments are created; otherwise a missing segment yields "".
func (c *Client) resolveFolder(ctx context.Context, p string, create bool) (string, error) {
	p = adapter.JoinPath(p)
	c.mu.Lock()
	id, ok := c.folders[p]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	parentID, err := c.resolveFolder(ctx, path.Dir(p), create)
	if err != nil || parentID == "" {
		return "", err
	}
	name := path.Base(p)
	f, err := c.findChild(ctx, parentID, name, true)
	if err != nil {
		return "", err
	}
	if f == nil {
		if !create {
			return "", nil
		}
		f, err = c.service.Files.Create(&drive.File{Name: name, MimeType: folderMIME, Parents: []string{parentID}}).
			Fields(fileFields).Context(ctx).Do()
		if err != nil {
			return "", mapError("create folder", err)
		}
		c.logger.Debug("folder created", zap.String("path", p), zap.String("id", f.Id))
	}
	c.mu.Lock()
	c.folders[p] = f.Id
	c.mu.Unlock()
	return f.Id, nil
}

func (c *Client) ListFiles(ctx context.Context, folder string) ([]adapter.RemoteObject, error) {
	dir := adapter.JoinPath(folder)
	id, err := c.resolveFolder(ctx, dir, false)
	if err != nil {
		return nil, err
	}
	out := []adapter.RemoteObject{}
	if id == "" {
		return out, nil
	}
	q := fmt.Sprintf("%s in parents and trashed = false", quote(id))
	err = c.service.Files.List().Q(q).
		Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")")).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				out = append(out, toRemote(f, dir))
			}
			return nil
		})
	if err != nil {
		return nil, mapError("list files", err)
	}
	return out, nil
}

func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, opts adapter.UploadOptions) (*adapter.RemoteObject, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read upload source: %w", err)
	}
	p := adapter.JoinPath(remotePath)
	dir, name := path.Dir(p), path.Base(p)
	parentID, err := c.resolveFolder(ctx, dir, true)
	if err != nil {
		return nil, err
	}
	existing, err := c.findChild(ctx, parentID, name, false)
	if err != nil {
		return nil, err
	}

	meta := &drive.File{}
	if !opts.ModTime.IsZero() {
		meta.ModifiedTime = opts.ModTime.UTC().Format(time.RFC3339Nano)
	}
	media := bytes.NewReader(data)
	var res *drive.File
	if existing != nil {
		call := c.service.Files.Update(existing.Id, meta).
			Media(media, googleapi.ChunkSize(uploadChunkSize)).Fields(fileFields).Context(ctx)
		if opts.Progress != nil {
			call.ProgressUpdater(func(current, total int64) { opts.Progress(current, int64(len(data))) })
		}
		res, err = call.Do()
	} else {
		meta.Name = name
		meta.Parents = []string{parentID}
		call := c.service.Files.Create(meta).
			Media(media, googleapi.ChunkSize(uploadChunkSize)).Fields(fileFields).Context(ctx)
		if opts.Progress != nil {
			call.ProgressUpdater(func(current, total int64) { opts.Progress(current, int64(len(data))) })
		}
		res, err = call.Do()
	}
	if err != nil {
		return nil, mapError("upload file", err)
	}
	if opts.Progress != nil {
		opts.Progress(int64(len(data)), int64(len(data)))
	}
	obj := toRemote(res, dir)
	return &obj, nil
}

func (c *Client) DownloadFile(ctx context.Context, fileID, localPath string) error {
	resp, err := c.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return mapError("download", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapter.NewError(adapter.ErrTransport, "download", err)
	}
	return adapter.WriteFileAtomic(localPath, data)
}

func (c *Client) CreateFolder(ctx context.Context, p string) (*adapter.RemoteObject, error) {
	dir := adapter.JoinPath(p)
	id, err := c.resolveFolder(ctx, dir, true)
	if err != nil {
		return nil, err
	}
	f, err := c.service.Files.Get(id).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, mapError("create folder", err)
	}
	obj := toRemote(f, path.Dir(dir))
	return &obj, nil
}

func (c *Client) GetQuota(ctx context.Context) (*adapter.Quota, error) {
	about, err := c.service.About.Get().Fields("storageQuota").Context(ctx).Do()
	if err != nil {
		return nil, mapError("get quota", err)
	}
	q := &adapter.Quota{}
	if sq := about.StorageQuota; sq != nil {
		q.Total, q.Used = sq.Limit, sq.Usage
		if q.Total > 0 {
			q.Remaining = q.Total - q.Used
		}
	}
	return q, nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	err := mapError("delete", c.service.Files.Delete(fileID).Context(ctx).Do())
	if errors.Is(err, adapter.ErrNotFound) {
		return nil
	}
	if err == nil {
		c.forget(fileID)
	}
	return err
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, fid := range c.folders {
		if fid == id {
			for q := range c.folders {
				if q == p || strings.HasPrefix(q, p+"/") {
					delete(c.folders, q)
				}
			}
			return
		}
	}
}

func (c *Client) UserInfo(ctx context.Context) (*model.UserInfo, error) {
	about, err := c.service.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return nil, mapError("get profile", err)
	}
	if about.User == nil {
		return nil, adapter.NewError(adapter.ErrTransport, "get profile", errors.New("no user in response"))
	}
	return &model.UserInfo{
		ID:    about.User.PermissionId,
		Name:  about.User.DisplayName,
		Email: about.User.EmailAddress,
	}, nil
}
