// Package memory is an in-process ProviderClient. Demo accounts and the
// sync tests run against it.
package memory

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

// Demo account limits.
const (
	maxDemoContentSize = 256 * 1024
	maxDemoNameLength  = 255
	maxDemoItemCount   = 50
)

// Limits bound what a Client accepts. Zero fields are unlimited.
type Limits struct {
	MaxFileSize int64
	MaxNameLen  int
	MaxItems    int
	Capacity    int64
}

// DemoLimits are applied to provider "memory" accounts.
var DemoLimits = Limits{
	MaxFileSize: maxDemoContentSize,
	MaxNameLen:  maxDemoNameLength,
	MaxItems:    maxDemoItemCount,
	Capacity:    maxDemoItemCount * maxDemoContentSize,
}

// Operation names accepted by FailNext and Calls.
const (
	OpList     = "list"
	OpUpload   = "upload"
	OpDownload = "download"
	OpMkdir    = "create_folder"
	OpQuota    = "quota"
	OpDelete   = "delete"
)

type object struct {
	id       string
	path     string
	data     []byte
	modTime  time.Time
	isFolder bool
}

func (o *object) remote() adapter.RemoteObject {
	return adapter.RemoteObject{
		ID:           o.id,
		Name:         path.Base(o.path),
		Path:         o.path,
		Size:         int64(len(o.data)),
		ModifiedTime: o.modTime,
		IsFolder:     o.isFolder,
	}
}

// Client keeps objects keyed by absolute path.
type Client struct {
	mu       sync.RWMutex
	limits   Limits
	objects  map[string]*object
	byID     map[string]string
	failures map[string][]error
	calls    map[string]int
	user     model.UserInfo

	// now is replaced in tests.
	now func() time.Time
}

var _ adapter.ProviderClient = (*Client)(nil)
var _ adapter.ProfileFetcher = (*Client)(nil)

// New creates an empty store.
func New(limits Limits) *Client {
	return &Client{
		limits:   limits,
		objects:  map[string]*object{"/": {id: "root", path: "/", isFolder: true}},
		byID:     map[string]string{"root": "/"},
		failures: map[string][]error{},
		calls:    map[string]int{},
		user:     model.UserInfo{ID: "demo", Name: "Demo User"},
		now:      time.Now,
	}
}

// FailNext makes the next call of op return err.
func (c *Client) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// Calls returns how many times op was invoked.
func (c *Client) Calls(op string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[op]
}

// Put stores data at p directly, bypassing limits.
func (c *Client) Put(p string, data []byte, modTime time.Time) adapter.RemoteObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(adapter.JoinPath(p), append([]byte(nil), data...), modTime).remote()
}

// Get returns the content stored at p.
func (c *Client) Get(p string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.objects[adapter.JoinPath(p)]
	if !ok || o.isFolder {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// begin counts the call and pops an injected failure. Caller holds mu.
func (c *Client) begin(op string) error {
	c.calls[op]++
	if q := c.failures[op]; len(q) > 0 {
		c.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (c *Client) mkdirAll(p string) *object {
	if o, ok := c.objects[p]; ok {
		return o
	}
	if p != "/" {
		c.mkdirAll(path.Dir(p))
	}
	o := &object{id: uuid.NewString(), path: p, isFolder: true, modTime: c.now()}
	c.objects[p] = o
	c.byID[o.id] = p
	return o
}

func (c *Client) put(p string, data []byte, modTime time.Time) *object {
	c.mkdirAll(path.Dir(p))
	if modTime.IsZero() {
		modTime = c.now()
	}
	o, ok := c.objects[p]
	if !ok {
		o = &object{id: uuid.NewString(), path: p}
		c.byID[o.id] = p
		c.objects[p] = o
	}
	o.data = data
	o.modTime = modTime
	return o
}

func (c *Client) used() (int64, int) {
	var total int64
	var files int
	for _, o := range c.objects {
		if !o.isFolder {
			total += int64(len(o.data))
			files++
		}
	}
	return total, files
}

func (c *Client) ListFiles(ctx context.Context, folder string) ([]adapter.RemoteObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpList); err != nil {
		return nil, err
	}
	dir := adapter.JoinPath(folder)
	out := []adapter.RemoteObject{}
	if o, ok := c.objects[dir]; !ok || !o.isFolder {
		return out, nil
	}
	for p, o := range c.objects {
		if p != "/" && path.Dir(p) == dir {
			out = append(out, o.remote())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, opts adapter.UploadOptions) (*adapter.RemoteObject, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read upload source: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpUpload); err != nil {
		return nil, err
	}
	p := adapter.JoinPath(remotePath)
	if n := c.limits.MaxNameLen; n > 0 && len(path.Base(p)) > n {
		return nil, adapter.NewError(adapter.ErrRejected, "upload", fmt.Errorf("name too long (max %d)", n))
	}
	if n := c.limits.MaxFileSize; n > 0 && int64(len(data)) > n {
		return nil, adapter.NewError(adapter.ErrQuotaExceeded, "upload", fmt.Errorf("content too large (max %d bytes)", n))
	}
	used, files := c.used()
	var replaced int64
	existing, exists := c.objects[p]
	if exists {
		replaced = int64(len(existing.data))
	}
	if n := c.limits.MaxItems; n > 0 && !exists && files >= n {
		return nil, adapter.NewError(adapter.ErrQuotaExceeded, "upload", fmt.Errorf("item limit reached (max %d)", n))
	}
	if n := c.limits.Capacity; n > 0 && used-replaced+int64(len(data)) > n {
		return nil, adapter.NewError(adapter.ErrQuotaExceeded, "upload", fmt.Errorf("capacity of %d bytes exhausted", n))
	}
	if exists && existing.isFolder {
		return nil, adapter.NewError(adapter.ErrRejected, "upload", fmt.Errorf("%s is a folder", p))
	}

	o := c.put(p, data, opts.ModTime)
	if opts.Progress != nil {
		opts.Progress(int64(len(data)), int64(len(data)))
	}
	r := o.remote()
	return &r, nil
}

func (c *Client) DownloadFile(ctx context.Context, fileID, localPath string) error {
	c.mu.Lock()
	if err := c.begin(OpDownload); err != nil {
		c.mu.Unlock()
		return err
	}
	p, ok := c.byID[fileID]
	var data []byte
	if ok {
		data = append([]byte(nil), c.objects[p].data...)
	}
	c.mu.Unlock()
	if !ok {
		return adapter.NewError(adapter.ErrNotFound, "download", fmt.Errorf("id %s", fileID))
	}
	return adapter.WriteFileAtomic(localPath, data)
}

func (c *Client) CreateFolder(ctx context.Context, p string) (*adapter.RemoteObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpMkdir); err != nil {
		return nil, err
	}
	dir := adapter.JoinPath(p)
	if o, ok := c.objects[dir]; ok && !o.isFolder {
		return nil, adapter.NewError(adapter.ErrRejected, "create folder", fmt.Errorf("%s is a file", dir))
	}
	r := c.mkdirAll(dir).remote()
	return &r, nil
}

func (c *Client) GetQuota(ctx context.Context) (*adapter.Quota, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpQuota); err != nil {
		return nil, err
	}
	used, _ := c.used()
	q := &adapter.Quota{Total: c.limits.Capacity, Used: used}
	if q.Total > 0 {
		q.Remaining = q.Total - used
	}
	return q, nil
}

// DeleteFile removes an object and, for folders, everything under it.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpDelete); err != nil {
		return err
	}
	p, ok := c.byID[fileID]
	if !ok || p == "/" {
		return nil
	}
	for q, o := range c.objects {
		if q == p || strings.HasPrefix(q, p+"/") {
			delete(c.objects, q)
			delete(c.byID, o.id)
		}
	}
	return nil
}

func (c *Client) UserInfo(ctx context.Context) (*model.UserInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u := c.user
	return &u, nil
}

// Provider hands out one Client per account for the life of the process.
type Provider struct {
	mu      sync.Mutex
	limits  Limits
	clients map[string]*Client
}

var _ adapter.StorageProvider = (*Provider)(nil)

// NewProvider creates a Provider whose clients enforce limits.
func NewProvider(limits Limits) *Provider {
	return &Provider{limits: limits, clients: map[string]*Client{}}
}

// GetClient returns the client of account, creating it on first use.
func (p *Provider) GetClient(ctx context.Context, account model.Account) (adapter.ProviderClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[account.ID]
	if !ok {
		c = New(p.limits)
		if account.DisplayName != "" {
			c.user.Name = account.DisplayName
		}
		c.user.ID = account.ID
		p.clients[account.ID] = c
	}
	return c, nil
}
