// Package baidu implements adapter.ProviderClient over the Baidu Netdisk
// xpan open API.
package baidu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/transport"
)

const (
	DefaultAPIBaseURL = "https://pan.baidu.com"
	DefaultPCSBaseURL = "https://d.pcs.baidu.com"

	// SliceSize is the fixed upload slice length.
	SliceSize = 4 << 20

	listLimit = 1000
	userAgent = "pan.baidu.com"
)

// Baidu errno values the client acts on.
const (
	errnoAccessDenied   = -6
	errnoFileExists     = -8
	errnoNotFound       = -9
	errnoQuotaFull      = -10
	errnoTokenInvalid   = 111
	errnoTokenExpired   = 110
	errnoRateLimited    = 31034
	errnoNoSuchFile     = 31066
	errnoQuotaExhausted = 31112
)

// Options tune a Client.
type Options struct {
	APIBaseURL string
	PCSBaseURL string
	SliceSize  int64

	// Backoff is the wait before each retry of a rate-limited call
	// (errno 31034). Nil uses transport.DefaultBackoff.
	Backoff []time.Duration
	Logger  *zap.Logger
}

// Client talks to one Baidu Netdisk account.
type Client struct {
	http      *transport.Client
	apiBase   string
	pcsBase   string
	sliceSize int64
	backoff   []time.Duration
	logger    *zap.Logger
}

var _ adapter.ProviderClient = (*Client)(nil)
var _ adapter.ProfileFetcher = (*Client)(nil)

// New creates a Client on a transport that puts access_token in the query.
func New(tc *transport.Client, opts Options) *Client {
	c := &Client{
		http:      tc,
		apiBase:   strings.TrimRight(opts.APIBaseURL, "/"),
		pcsBase:   strings.TrimRight(opts.PCSBaseURL, "/"),
		sliceSize: opts.SliceSize,
		backoff:   opts.Backoff,
		logger:    opts.Logger,
	}
	if c.apiBase == "" {
		c.apiBase = DefaultAPIBaseURL
	}
	if c.pcsBase == "" {
		c.pcsBase = DefaultPCSBaseURL
	}
	if c.sliceSize <= 0 {
		c.sliceSize = SliceSize
	}
	if c.backoff == nil {
		c.backoff = transport.DefaultBackoff
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// TransportOptions returns the transport settings the xpan API needs.
func TransportOptions() transport.Options {
	return transport.Options{
		AuthStyle:   transport.AuthQuery("access_token"),
		DecodeError: DecodeError,
	}
}

// TimePrecision reports that listings carry second-resolution mtimes.
func (c *Client) TimePrecision() time.Duration {
	return time.Second
}

// apiStatus is the envelope every xpan response shares. The upload host
// reports failures as error_code instead of errno.
type apiStatus struct {
	Errno     int    `json:"errno"`
	ErrMsg    string `json:"errmsg"`
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

func (s apiStatus) code() int {
	if s.Errno != 0 {
		return s.Errno
	}
	return s.ErrorCode
}

func (s apiStatus) message() string {
	if s.ErrMsg != "" {
		return s.ErrMsg
	}
	return s.ErrorMsg
}

func tokenRejected(errno int) bool {
	return errno == errnoAccessDenied || errno == errnoTokenInvalid || errno == errnoTokenExpired
}

func errnoKind(errno int) error {
	switch errno {
	case errnoAccessDenied, errnoTokenInvalid, errnoTokenExpired:
		return adapter.ErrAuthorization
	case errnoQuotaFull, errnoQuotaExhausted:
		return adapter.ErrQuotaExceeded
	case errnoRateLimited:
		return adapter.ErrTransport
	case errnoNotFound, errnoNoSuchFile:
		return adapter.ErrNotFound
	}
	return adapter.ErrRejected
}

func errnoError(op string, st apiStatus) *adapter.Error {
	code := st.code()
	msg := st.message()
	if msg == "" {
		msg = fmt.Sprintf("errno %d", code)
	}
	return &adapter.Error{
		Kind: errnoKind(code),
		Op:   op,
		Code: strconv.Itoa(code),
		Err:  errors.New(msg),
	}
}

// DecodeError maps an errno carried by a non-2xx response.
func DecodeError(resp *transport.Response) (string, string, error) {
	var st apiStatus
	if err := json.Unmarshal(resp.Body, &st); err != nil || st.code() == 0 {
		return "", "", nil
	}
	return strconv.Itoa(st.code()), st.message(), errnoKind(st.code())
}

// call performs req and decodes the body into out after checking errno.
// Rate-limited answers are retried on the client's backoff schedule; a
// rejected access token is refreshed once and the call repeated.
func (c *Client) call(ctx context.Context, op string, req *transport.Request, out any) error {
	req.Op = op
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("User-Agent", userAgent)

	refreshed := false
	for attempt := 0; ; attempt++ {
		resp, err := c.http.Do(ctx, req)
		if err != nil {
			return err
		}
		var st apiStatus
		if err := json.Unmarshal(resp.Body, &st); err != nil {
			return adapter.NewError(adapter.ErrTransport, op, fmt.Errorf("decode response: %w", err))
		}
		if code := st.code(); code != 0 {
			if code == errnoRateLimited && attempt < len(c.backoff) {
				c.logger.Warn("rate limited, retrying",
					zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("delay", c.backoff[attempt]))
				if err := sleepContext(ctx, c.backoff[attempt]); err != nil {
					return err
				}
				continue
			}
			if tokenRejected(code) && !refreshed && !req.SkipAuth {
				// Expired tokens come back as errno in a 200 body, not as a 401.
				refreshed = true
				if err := c.http.RefreshAfterRejection(ctx, op); err != nil {
					return err
				}
				continue
			}
			return errnoError(op, st)
		}
		if out == nil {
			return nil
		}
		return resp.DecodeJSON(out)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) fileURL(method string, extra url.Values) string {
	q := url.Values{"method": {method}}
	for k, vs := range extra {
		q[k] = vs
	}
	return c.apiBase + "/rest/2.0/xpan/file?" + q.Encode()
}

func formRequest(rawURL string, form url.Values) *transport.Request {
	return &transport.Request{
		Method: http.MethodPost,
		URL:    rawURL,
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:   []byte(form.Encode()),
	}
}

type fileEntry struct {
	FsID           int64  `json:"fs_id"`
	Path           string `json:"path"`
	ServerFilename string `json:"server_filename"`
	Size           int64  `json:"size"`
	ServerMtime    int64  `json:"server_mtime"`
	LocalMtime     int64  `json:"local_mtime"`
	Mtime          int64  `json:"mtime"`
	IsDir          int    `json:"isdir"`
	MD5            string `json:"md5"`
	Dlink          string `json:"dlink"`
}

func (e fileEntry) toRemote() adapter.RemoteObject {
	name := e.ServerFilename
	if name == "" {
		name = path.Base(e.Path)
	}
	mtime := e.LocalMtime
	if mtime == 0 {
		mtime = e.ServerMtime
	}
	if mtime == 0 {
		mtime = e.Mtime
	}
	obj := adapter.RemoteObject{
		ID:       strconv.FormatInt(e.FsID, 10),
		Name:     name,
		Path:     e.Path,
		Size:     e.Size,
		IsFolder: e.IsDir == 1,
		Hash:     e.MD5,
	}
	if mtime > 0 {
		obj.ModifiedTime = time.Unix(mtime, 0)
	}
	return obj
}

// ListFiles pages through a directory listing.
func (c *Client) ListFiles(ctx context.Context, folder string) ([]adapter.RemoteObject, error) {
	dir := adapter.JoinPath(folder)
	out := []adapter.RemoteObject{}
	for start := 0; ; start += listLimit {
		var page struct {
			List []fileEntry `json:"list"`
		}
		req := &transport.Request{
			Method: http.MethodGet,
			URL: c.fileURL("list", url.Values{
				"dir":   {dir},
				"start": {strconv.Itoa(start)},
				"limit": {strconv.Itoa(listLimit)},
				"order": {"name"},
			}),
		}
		if err := c.call(ctx, "list dir", req, &page); err != nil {
			if errors.Is(err, adapter.ErrNotFound) {
				return []adapter.RemoteObject{}, nil
			}
			return nil, err
		}
		for _, e := range page.List {
			out = append(out, e.toRemote())
		}
		if len(page.List) < listLimit {
			return out, nil
		}
	}
}

func (c *Client) fileMetas(ctx context.Context, fsID string, dlink bool) (*fileEntry, error) {
	id, err := strconv.ParseInt(fsID, 10, 64)
	if err != nil {
		return nil, adapter.NewError(adapter.ErrValidation, "file metas", fmt.Errorf("invalid fs_id %q", fsID))
	}
	q := url.Values{
		"method": {"filemetas"},
		"fsids":  {fmt.Sprintf("[%d]", id)},
	}
	if dlink {
		q.Set("dlink", "1")
	}
	var metas struct {
		List []fileEntry `json:"list"`
	}
	req := &transport.Request{Method: http.MethodGet, URL: c.apiBase + "/rest/2.0/xpan/multimedia?" + q.Encode()}
	if err := c.call(ctx, "file metas", req, &metas); err != nil {
		return nil, err
	}
	if len(metas.List) == 0 {
		return nil, adapter.NewError(adapter.ErrNotFound, "file metas", fmt.Errorf("fs_id %s", fsID))
	}
	return &metas.List[0], nil
}

// DownloadFile resolves the dlink of fileID and fetches it.
func (c *Client) DownloadFile(ctx context.Context, fileID, localPath string) error {
	meta, err := c.fileMetas(ctx, fileID, true)
	if err != nil {
		return err
	}
	if meta.Dlink == "" {
		return adapter.NewError(adapter.ErrTransport, "download", fmt.Errorf("no dlink for fs_id %s", fileID))
	}
	resp, err := c.http.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    meta.Dlink,
		Header: http.Header{"User-Agent": []string{userAgent}},
		Op:     "download",
	})
	if err != nil {
		return err
	}
	return adapter.WriteFileAtomic(localPath, resp.Body)
}

// CreateFolder creates p including missing parents. An existing folder is
// looked up and returned.
func (c *Client) CreateFolder(ctx context.Context, p string) (*adapter.RemoteObject, error) {
	dir := adapter.JoinPath(p)
	form := url.Values{
		"path":  {dir},
		"isdir": {"1"},
		"rtype": {"0"},
	}
	var created fileEntry
	err := c.call(ctx, "create folder", formRequest(c.fileURL("create", nil), form), &created)
	if err != nil {
		var aerr *adapter.Error
		if !errors.As(err, &aerr) || aerr.Code != strconv.Itoa(errnoFileExists) {
			return nil, err
		}
		return c.lookup(ctx, dir)
	}
	created.IsDir = 1
	if created.Path == "" {
		created.Path = dir
	}
	obj := created.toRemote()
	return &obj, nil
}

func (c *Client) lookup(ctx context.Context, p string) (*adapter.RemoteObject, error) {
	entries, err := c.ListFiles(ctx, path.Dir(p))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Path == p {
			return &e, nil
		}
	}
	return nil, adapter.NewError(adapter.ErrNotFound, "lookup", fmt.Errorf("%s", p))
}

// GetQuota reads the account quota.
func (c *Client) GetQuota(ctx context.Context) (*adapter.Quota, error) {
	var q struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
		Free  int64 `json:"free"`
	}
	req := &transport.Request{Method: http.MethodGet, URL: c.apiBase + "/api/quota?checkfree=1&checkexpire=1"}
	if err := c.call(ctx, "get quota", req, &q); err != nil {
		return nil, err
	}
	remaining := q.Free
	if remaining == 0 {
		remaining = q.Total - q.Used
	}
	return &adapter.Quota{Total: q.Total, Used: q.Used, Remaining: remaining}, nil
}

// DeleteFile deletes by fs_id. The API deletes by path, so the path is
// resolved first. A missing file is not an error.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	meta, err := c.fileMetas(ctx, fileID, false)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	list, err := json.Marshal([]string{meta.Path})
	if err != nil {
		return err
	}
	form := url.Values{
		"async":    {"0"},
		"filelist": {string(list)},
	}
	err = c.call(ctx, "delete", formRequest(c.fileURL("filemanager", url.Values{"opera": {"delete"}}), form), nil)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil
	}
	return err
}

// UserInfo reads the netdisk profile.
func (c *Client) UserInfo(ctx context.Context) (*model.UserInfo, error) {
	var u struct {
		BaiduName   string `json:"baidu_name"`
		NetdiskName string `json:"netdisk_name"`
		UK          int64  `json:"uk"`
	}
	req := &transport.Request{Method: http.MethodGet, URL: c.apiBase + "/rest/2.0/xpan/nas?method=uinfo"}
	if err := c.call(ctx, "get profile", req, &u); err != nil {
		return nil, err
	}
	name := u.NetdiskName
	if name == "" {
		name = u.BaiduName
	}
	return &model.UserInfo{ID: strconv.FormatInt(u.UK, 10), Name: name}, nil
}
