package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/transport"
)

type staticToken string

func (s staticToken) GetAccessToken(context.Context) (string, error)     { return string(s), nil }
func (s staticToken) RefreshAccessToken(context.Context) (string, error) { return string(s), nil }
func (s staticToken) Disconnect(context.Context) error                   { return nil }

type chunkCall struct {
	contentRange string
	auth         string
	size         int
}

// fakeGraph is a minimal in-memory Graph drive.
type fakeGraph struct {
	t *testing.T
	*httptest.Server

	mu        sync.Mutex
	items     map[string]map[string]any // path -> driveItem JSON
	content   map[string][]byte
	chunks    []chunkCall
	cancelled bool
	failChunk int // 1-based chunk index answered with 400
	sessionFS string
	pageSize  int
}

func newFakeGraph(t *testing.T) *fakeGraph {
	g := &fakeGraph{t: t, items: map[string]map[string]any{}, content: map[string][]byte{}}
	g.Server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.Close)
	return g
}

func (g *fakeGraph) newClient() *Client {
	opts := TransportOptions()
	opts.Tokens = staticToken("tok")
	opts.Backoff = []time.Duration{0, 0, 0}
	return New(transport.New(opts), Options{BaseURL: g.URL, ChunkSize: 4 * 320 << 10})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func graphErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": code}})
}

func (g *fakeGraph) putItem(p string, size int, folder bool, mtime string) map[string]any {
	dir := filepath.ToSlash(filepath.Dir(p))
	if dir == "/" {
		dir = ""
	}
	it := map[string]any{
		"id":                   "id-" + strings.ReplaceAll(strings.Trim(p, "/"), "/", "-"),
		"name":                 filepath.Base(p),
		"size":                 size,
		"lastModifiedDateTime": "2026-01-01T00:00:00Z",
		"parentReference":      map[string]any{"path": "/drive/root:" + dir},
	}
	if mtime != "" {
		it["fileSystemInfo"] = map[string]any{"lastModifiedDateTime": mtime}
	}
	if folder {
		it["folder"] = map[string]any{"childCount": 0}
	} else {
		it["file"] = map[string]any{"hashes": map[string]any{"quickXorHash": "qx"}}
	}
	g.items[p] = it
	return it
}

func (g *fakeGraph) byID(id string) (string, map[string]any) {
	for p, it := range g.items {
		if it["id"] == id {
			return p, it
		}
	}
	return "", nil
}

func (g *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := r.URL.Path

	if strings.HasPrefix(p, "/upload/") {
		g.serveChunk(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer tok" {
		graphErr(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
		return
	}

	switch {
	case p == "/me":
		writeJSON(w, 200, map[string]any{"id": "u1", "displayName": "Ada", "userPrincipalName": "ada@example.com"})
	case p == "/me/drive":
		writeJSON(w, 200, map[string]any{"quota": map[string]any{"total": 100, "used": 40, "remaining": 60}})
	case strings.HasPrefix(p, "/me/drive/items/"):
		g.serveItem(w, r, strings.TrimPrefix(p, "/me/drive/items/"))
	case p == "/me/drive/root/children" || strings.HasPrefix(p, "/me/drive/root:/"):
		g.servePath(w, r)
	default:
		graphErr(w, http.StatusNotFound, "itemNotFound")
	}
}

func (g *fakeGraph) servePath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/me/drive/root")
	var itemPath, action string
	if rest == "/children" {
		action = "children"
	} else {
		rest = strings.TrimPrefix(rest, ":")
		i := strings.LastIndex(rest, ":")
		itemPath, action = rest[:i], strings.TrimPrefix(rest[i+1:], "/")
	}

	switch {
	case action == "content" && r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		g.content[itemPath] = data
		writeJSON(w, 201, g.putItem(itemPath, len(data), false, ""))
	case action == "createUploadSession":
		var body struct {
			Item struct {
				Conflict string          `json:"@microsoft.graph.conflictBehavior"`
				FS       *fileSystemInfo `json:"fileSystemInfo"`
			} `json:"item"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Item.Conflict != "replace" {
			graphErr(w, 400, "invalidRequest")
			return
		}
		if body.Item.FS != nil {
			g.sessionFS = body.Item.FS.LastModifiedDateTime
		}
		writeJSON(w, 200, map[string]any{"uploadUrl": g.URL + "/upload/sess" + itemPath, "expirationDateTime": "2026-01-02T00:00:00Z"})
	case action == "children" && r.Method == http.MethodGet:
		g.serveChildren(w, r, itemPath)
	case action == "children" && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if itemPath != "" {
			if _, ok := g.items[itemPath]; !ok {
				graphErr(w, 404, "itemNotFound")
				return
			}
		}
		full := itemPath + "/" + body.Name
		if _, ok := g.items[full]; ok {
			graphErr(w, http.StatusConflict, "nameAlreadyExists")
			return
		}
		writeJSON(w, 201, g.putItem(full, 0, true, ""))
	case action == "" && r.Method == http.MethodGet:
		it, ok := g.items[itemPath]
		if !ok {
			graphErr(w, 404, "itemNotFound")
			return
		}
		writeJSON(w, 200, it)
	default:
		graphErr(w, 400, "invalidRequest")
	}
}

func (g *fakeGraph) serveChildren(w http.ResponseWriter, r *http.Request, dir string) {
	if dir != "" {
		if _, ok := g.items[dir]; !ok {
			graphErr(w, 404, "itemNotFound")
			return
		}
	}
	var paths []string
	for p := range g.items {
		parent := filepath.ToSlash(filepath.Dir(p))
		if parent == "/" {
			parent = ""
		}
		if parent == dir {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	children := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		children = append(children, g.items[p])
	}
	start := 0
	if s := r.URL.Query().Get("skip"); s != "" {
		fmt.Sscan(s, &start)
	}
	resp := map[string]any{}
	end := len(children)
	if g.pageSize > 0 && start+g.pageSize < end {
		end = start + g.pageSize
		resp["@odata.nextLink"] = fmt.Sprintf("%s%s?skip=%d", g.URL, r.URL.Path, end)
	}
	resp["value"] = children[start:end]
	writeJSON(w, 200, resp)
}

func (g *fakeGraph) serveItem(w http.ResponseWriter, r *http.Request, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	p, it := g.byID(id)
	if it == nil {
		graphErr(w, 404, "itemNotFound")
		return
	}
	switch {
	case r.Method == http.MethodPatch:
		var body struct {
			FS fileSystemInfo `json:"fileSystemInfo"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		it["fileSystemInfo"] = map[string]any{"lastModifiedDateTime": body.FS.LastModifiedDateTime}
		writeJSON(w, 200, it)
	case r.Method == http.MethodDelete:
		delete(g.items, p)
		w.WriteHeader(http.StatusNoContent)
	case action == "content":
		w.Write(g.content[p])
	default:
		writeJSON(w, 200, it)
	}
}

func (g *fakeGraph) serveChunk(w http.ResponseWriter, r *http.Request) {
	itemPath := strings.TrimPrefix(r.URL.Path, "/upload/sess")
	if r.Method == http.MethodDelete {
		g.cancelled = true
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, _ := io.ReadAll(r.Body)
	g.chunks = append(g.chunks, chunkCall{
		contentRange: r.Header.Get("Content-Range"),
		auth:         r.Header.Get("Authorization"),
		size:         len(data),
	})
	if g.failChunk == len(g.chunks) {
		graphErr(w, http.StatusBadRequest, "invalidRange")
		return
	}
	g.content[itemPath] = append(g.content[itemPath], data...)

	var start, end, total int
	fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total)
	if end+1 < total {
		writeJSON(w, http.StatusAccepted, map[string]any{"nextExpectedRanges": []string{fmt.Sprintf("%d-", end+1)}})
		return
	}
	writeJSON(w, http.StatusCreated, g.putItem(itemPath, total, false, g.sessionFS))
}

func tempFile(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "note.json")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestUploadFile_SimpleRecordsModTime(t *testing.T) {
	g := newFakeGraph(t)
	c := g.newClient()
	ctx := context.Background()
	mtime := time.UnixMilli(1_700_000_000_123)

	var lastSent int64
	obj, err := c.UploadFile(ctx, tempFile(t, 1024), "/Notes/n1.json", adapter.UploadOptions{
		ModTime:  mtime,
		Progress: func(sent, total int64) { lastSent = sent },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), obj.Size)
	assert.Equal(t, int64(1024), lastSent)
	assert.Equal(t, mtime.UnixMilli(), obj.ModifiedTime.UnixMilli())
	assert.Equal(t, "/Notes/n1.json", obj.Path)

	// the folder entry does not exist in the fake, so register it for listing
	g.putItem("/Notes", 0, true, "")
	list, err := c.ListFiles(ctx, "/Notes")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mtime.UnixMilli(), list[0].ModifiedTime.UnixMilli())
}

func TestUploadFile_SessionSendsByteRanges(t *testing.T) {
	g := newFakeGraph(t)
	c := g.newClient()
	size := SimpleUploadLimit + 100
	mtime := time.UnixMilli(1_700_000_000_000)

	var progress []int64
	obj, err := c.UploadFile(context.Background(), tempFile(t, size), "/Notes/big.json", adapter.UploadOptions{
		ModTime:  mtime,
		Progress: func(sent, total int64) { progress = append(progress, sent) },
	})
	require.NoError(t, err)

	chunk := 4 * 320 << 10
	wantChunks := (size + chunk - 1) / chunk
	require.Len(t, g.chunks, wantChunks)
	for i, call := range g.chunks {
		start := i * chunk
		end := start + chunk - 1
		if end >= size {
			end = size - 1
		}
		assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", start, end, size), call.contentRange)
		assert.Empty(t, call.auth, "chunk PUT must not carry the bearer token")
		assert.Equal(t, end-start+1, call.size)
	}
	assert.Equal(t, int64(size), progress[len(progress)-1])
	assert.Len(t, g.content["/Notes/big.json"], size)
	assert.Equal(t, int64(size), obj.Size)
	assert.Equal(t, mtime.UnixMilli(), obj.ModifiedTime.UnixMilli())
	assert.False(t, g.cancelled)
}

func TestUploadFile_ChunkFailureAbortsSession(t *testing.T) {
	g := newFakeGraph(t)
	g.failChunk = 2
	c := g.newClient()

	_, err := c.UploadFile(context.Background(), tempFile(t, SimpleUploadLimit+1), "/Notes/big.json", adapter.UploadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrRejected)
	assert.Len(t, g.chunks, 2, "no chunks after the failed one")
	assert.True(t, g.cancelled, "session should be cancelled")
}

func TestListFiles(t *testing.T) {
	g := newFakeGraph(t)
	c := g.newClient()
	ctx := context.Background()

	list, err := c.ListFiles(ctx, "/Missing")
	require.NoError(t, err)
	assert.Empty(t, list)

	g.putItem("/Notes", 0, true, "")
	for i := 0; i < 5; i++ {
		g.putItem(fmt.Sprintf("/Notes/n%d.json", i), 10, false, "")
	}
	g.pageSize = 2

	list, err = c.ListFiles(ctx, "/Notes")
	require.NoError(t, err)
	assert.Len(t, list, 5)
	for _, obj := range list {
		assert.False(t, obj.IsFolder)
		assert.True(t, strings.HasPrefix(obj.Path, "/Notes/n"), obj.Path)
		assert.Equal(t, "qx", obj.Hash)
	}
}

func TestCreateFolder_ExistingIsSuccess(t *testing.T) {
	g := newFakeGraph(t)
	c := g.newClient()
	ctx := context.Background()

	first, err := c.CreateFolder(ctx, "/Apps/Notes")
	require.NoError(t, err)
	assert.True(t, first.IsFolder)
	assert.Equal(t, "/Apps/Notes", first.Path)

	again, err := c.CreateFolder(ctx, "/Apps/Notes")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestDownloadAndDelete(t *testing.T) {
	g := newFakeGraph(t)
	c := g.newClient()
	ctx := context.Background()

	obj, err := c.UploadFile(ctx, tempFile(t, 64), "/Notes/n.json", adapter.UploadOptions{})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, c.DownloadFile(ctx, obj.ID, dst))
	got, _ := os.ReadFile(dst)
	assert.Len(t, got, 64)

	require.NoError(t, c.DeleteFile(ctx, obj.ID))
	require.NoError(t, c.DeleteFile(ctx, obj.ID), "second delete is a no-op")

	err = c.DownloadFile(ctx, obj.ID, dst)
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestQuotaAndProfile(t *testing.T) {
	g := newFakeGraph(t)
	c := g.newClient()
	ctx := context.Background()

	q, err := c.GetQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, adapter.Quota{Total: 100, Used: 40, Remaining: 60}, *q)

	me, err := c.UserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", me.Name)
	assert.Equal(t, "ada@example.com", me.Email)
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		body string
		code string
		kind error
	}{
		{`{"error":{"code":"quotaLimitReached","message":"full"}}`, "quotaLimitReached", adapter.ErrQuotaExceeded},
		{`{"error":{"code":"itemNotFound","message":"gone"}}`, "itemNotFound", adapter.ErrNotFound},
		{`{"error":{"code":"nameAlreadyExists","message":"dup"}}`, "nameAlreadyExists", nil},
		{`<html>`, "", nil},
	}
	for _, tt := range tests {
		code, _, kind := DecodeError(&transport.Response{StatusCode: 400, Body: []byte(tt.body)})
		assert.Equal(t, tt.code, code)
		assert.Equal(t, tt.kind, kind)
	}
}

func TestItemPath(t *testing.T) {
	assert.Equal(t, "/me/drive/root", itemPath("/"))
	assert.Equal(t, "/me/drive/root", itemPath(""))
	assert.Equal(t, "/me/drive/root:/Notes/a%20b.json:", itemPath("/Notes/a b.json"))
}

func TestNextOffset(t *testing.T) {
	assert.Equal(t, int64(100), nextOffset([]string{"100-"}, 5))
	assert.Equal(t, int64(7), nextOffset([]string{"7-9", "20-"}, 5))
	assert.Equal(t, int64(5), nextOffset(nil, 5))
	assert.Equal(t, int64(5), nextOffset([]string{"x"}, 5))
}
