// Package onedrive implements adapter.ProviderClient over Microsoft Graph.
package onedrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/transport"
)

const (
	// DefaultBaseURL is the Graph v1.0 root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// SimpleUploadLimit is the largest payload sent with a single PUT.
	SimpleUploadLimit = 4 << 20

	// ChunkSize is the upload session window; Graph requires multiples of 320 KiB.
	ChunkSize = 320 << 10
)

// Options tune a Client.
type Options struct {
	BaseURL   string
	ChunkSize int64
	Logger    *zap.Logger
}

// Client talks to one OneDrive account.
type Client struct {
	http      *transport.Client
	baseURL   string
	chunkSize int64
	logger    *zap.Logger
}

var _ adapter.ProviderClient = (*Client)(nil)
var _ adapter.ProfileFetcher = (*Client)(nil)

// New creates a Client on top of a transport that attaches bearer tokens.
func New(tc *transport.Client, opts Options) *Client {
	c := &Client{
		http:      tc,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		chunkSize: opts.ChunkSize,
		logger:    opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.chunkSize <= 0 {
		c.chunkSize = ChunkSize
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// TransportOptions returns the transport settings Graph needs.
func TransportOptions() transport.Options {
	return transport.Options{
		AuthStyle:   transport.AuthHeader,
		DecodeError: DecodeError,
	}
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeError maps the Graph error body onto the error taxonomy.
func DecodeError(resp *transport.Response) (string, string, error) {
	var ge graphError
	if err := json.Unmarshal(resp.Body, &ge); err != nil || ge.Error.Code == "" {
		return "", "", nil
	}
	var kind error
	switch ge.Error.Code {
	case "quotaLimitReached", "insufficientStorage":
		kind = adapter.ErrQuotaExceeded
	case "itemNotFound":
		kind = adapter.ErrNotFound
	case "unauthenticated", "InvalidAuthenticationToken":
		kind = adapter.ErrAuthorization
	}
	return ge.Error.Code, ge.Error.Message, kind
}

type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
}

type driveItem struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Size                 int64           `json:"size"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime"`
	FileSystemInfo       *fileSystemInfo `json:"fileSystemInfo,omitempty"`
	Folder               *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
	File *struct {
		Hashes struct {
			SHA1Hash     string `json:"sha1Hash"`
			QuickXorHash string `json:"quickXorHash"`
		} `json:"hashes"`
	} `json:"file,omitempty"`
	ParentReference *struct {
		Path string `json:"path"`
	} `json:"parentReference,omitempty"`
}

func (it driveItem) toRemote(fallbackDir string) adapter.RemoteObject {
	obj := adapter.RemoteObject{
		ID:       it.ID,
		Name:     it.Name,
		Size:     it.Size,
		IsFolder: it.Folder != nil,
	}
	modified := it.LastModifiedDateTime
	if it.FileSystemInfo != nil && it.FileSystemInfo.LastModifiedDateTime != "" {
		modified = it.FileSystemInfo.LastModifiedDateTime
	}
	if t, err := time.Parse(time.RFC3339Nano, modified); err == nil {
		obj.ModifiedTime = t
	}
	if it.File != nil {
		obj.Hash = it.File.Hashes.QuickXorHash
		if obj.Hash == "" {
			obj.Hash = it.File.Hashes.SHA1Hash
		}
	}
	dir := fallbackDir
	if it.ParentReference != nil {
		if _, p, ok := strings.Cut(it.ParentReference.Path, ":"); ok {
			dir = p
		}
	}
	obj.Path = adapter.JoinPath(dir, it.Name)
	return obj
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// itemPath addresses a drive item by path, e.g. /me/drive/root:/Notes/a.json:
func itemPath(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return "/me/drive/root"
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/me/drive/root:/" + strings.Join(segs, "/") + ":"
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) error {
	resp, err := c.http.Do(ctx, &transport.Request{Method: http.MethodGet, URL: rawURL, Op: op})
	if err != nil {
		return err
	}
	return resp.DecodeJSON(out)
}

func (c *Client) sendJSON(ctx context.Context, op, method, rawURL string, body, out any) (*transport.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal body: %w", op, err)
	}
	resp, err := c.http.Do(ctx, &transport.Request{
		Method: method,
		URL:    rawURL,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   data,
		Op:     op,
	})
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := resp.DecodeJSON(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// ListFiles lists a folder, following @odata.nextLink pages.
func (c *Client) ListFiles(ctx context.Context, folder string) ([]adapter.RemoteObject, error) {
	var out []adapter.RemoteObject
	next := c.baseURL + itemPath(folder) + "/children?$top=200"
	for next != "" {
		var page struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := c.getJSON(ctx, "list children", next, &page); err != nil {
			if errors.Is(err, adapter.ErrNotFound) {
				return []adapter.RemoteObject{}, nil
			}
			return nil, err
		}
		for _, it := range page.Value {
			out = append(out, it.toRemote(folder))
		}
		next = page.NextLink
	}
	if out == nil {
		out = []adapter.RemoteObject{}
	}
	return out, nil
}

// DownloadFile fetches the item content. Graph answers with a redirect to a
// pre-authenticated URL, which the HTTP client follows.
func (c *Client) DownloadFile(ctx context.Context, fileID, localPath string) error {
	resp, err := c.http.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/me/drive/items/" + url.PathEscape(fileID) + "/content",
		Op:     "download item",
	})
	if err != nil {
		return err
	}
	return adapter.WriteFileAtomic(localPath, resp.Body)
}

// CreateFolder creates every missing segment of p.
func (c *Client) CreateFolder(ctx context.Context, p string) (*adapter.RemoteObject, error) {
	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" {
		var root driveItem
		if err := c.getJSON(ctx, "get root", c.baseURL+"/me/drive/root", &root); err != nil {
			return nil, err
		}
		obj := root.toRemote("/")
		obj.Path = "/"
		return &obj, nil
	}

	var item driveItem
	parent := ""
	for _, seg := range strings.Split(clean, "/") {
		body := map[string]any{
			"name":                              seg,
			"folder":                            map[string]any{},
			"@microsoft.graph.conflictBehavior": "fail",
		}
		item = driveItem{}
		_, err := c.sendJSON(ctx, "create folder", http.MethodPost, c.baseURL+itemPath(parent)+"/children", body, &item)
		if err != nil {
			if adapter.StatusOf(err) != http.StatusConflict {
				return nil, err
			}
			if err := c.getJSON(ctx, "get folder", c.baseURL+itemPath(parent+"/"+seg), &item); err != nil {
				return nil, err
			}
		}
		parent = parent + "/" + seg
	}
	obj := item.toRemote(path.Dir("/" + clean))
	return &obj, nil
}

// GetQuota reads the drive quota.
func (c *Client) GetQuota(ctx context.Context) (*adapter.Quota, error) {
	var drive struct {
		Quota struct {
			Total     int64 `json:"total"`
			Used      int64 `json:"used"`
			Remaining int64 `json:"remaining"`
		} `json:"quota"`
	}
	if err := c.getJSON(ctx, "get drive", c.baseURL+"/me/drive", &drive); err != nil {
		return nil, err
	}
	return &adapter.Quota{Total: drive.Quota.Total, Used: drive.Quota.Used, Remaining: drive.Quota.Remaining}, nil
}

// DeleteFile deletes an item. Deleting a missing item succeeds.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	_, err := c.http.Do(ctx, &transport.Request{
		Method: http.MethodDelete,
		URL:    c.baseURL + "/me/drive/items/" + url.PathEscape(fileID),
		Op:     "delete item",
	})
	if errors.Is(err, adapter.ErrNotFound) {
		return nil
	}
	return err
}

// UserInfo reads the signed-in user's profile.
func (c *Client) UserInfo(ctx context.Context) (*model.UserInfo, error) {
	var me struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := c.getJSON(ctx, "get profile", c.baseURL+"/me", &me); err != nil {
		return nil, err
	}
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return &model.UserInfo{ID: me.ID, Name: me.DisplayName, Email: email}, nil
}
