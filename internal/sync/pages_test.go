package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/adapter/memory"
	"github.com/jun/gophnote/internal/model"
)

func pageStatuses(t *testing.T, h *harness, noteID string) map[string]model.PageStatus {
	t.Helper()
	pages, err := h.orch.GetCloudPages(context.Background(), noteID)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]model.PageStatus{}
	for _, p := range pages {
		out[p.PageID] = p.Status
	}
	return out
}

func TestCommitPageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.local(t, mkNote("n", "first", 100))

	res, err := h.orch.CommitPage(ctx, "n", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Remote == nil {
		t.Fatalf("first commit = %+v", res)
	}
	if _, ok := h.client.Get("/GophNote/n/p1.json"); !ok {
		t.Fatal("page not uploaded")
	}
	st := h.read(t, "n").Pages[0].SyncStatus
	if st == nil || st.Status != model.PageSynced || st.ContentHash == "" || st.RemoteUpdatedAt != 100 {
		t.Errorf("status = %+v", st)
	}

	res, err = h.orch.CommitPage(ctx, "n", "p1")
	if err != nil || !res.Skipped {
		t.Errorf("second commit = %+v, %v", res, err)
	}
	if got := h.client.Calls(memory.OpUpload); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}

	n := h.read(t, "n")
	n.Pages[0].Content = "second"
	n.Pages[0].UpdatedAt = 200
	h.local(t, n)
	res, err = h.orch.CommitPage(ctx, "n", "p1")
	if err != nil || res.Skipped {
		t.Errorf("changed commit = %+v, %v", res, err)
	}
}

func TestCommitPageErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.local(t, mkNote("n", "body", 100))

	if _, err := h.orch.CommitPage(ctx, "n", "nope"); !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("missing page: got %v", err)
	}

	h.client.FailNext(memory.OpUpload, adapter.NewError(adapter.ErrTransport, "upload", errors.New("reset")))
	if _, err := h.orch.CommitPage(ctx, "n", "p1"); !errors.Is(err, adapter.ErrTransport) {
		t.Errorf("got %v", err)
	}
	st := h.read(t, "n").Pages[0].SyncStatus
	if st == nil || st.Status != model.PageError || st.Error == "" {
		t.Errorf("status = %+v", st)
	}

	// An errored page is retried even though its hash is unchanged.
	if res, err := h.orch.CommitPage(ctx, "n", "p1"); err != nil || res.Skipped {
		t.Errorf("retry = %+v, %v", res, err)
	}
}

func TestGetCloudPages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	n := mkNote("n", "body", 100)
	n.Pages = append(n.Pages, model.Page{ID: "p2", Content: "two", UpdatedAt: 100})
	h.local(t, n)
	for _, id := range []string{"p1", "p2"} {
		if _, err := h.orch.CommitPage(ctx, "n", id); err != nil {
			t.Fatal(err)
		}
	}
	stray, _ := json.Marshal(model.Page{ID: "p3", Content: "remote only"})
	h.client.Put("/GophNote/n/p3.json", stray, time.UnixMilli(100))

	got := pageStatuses(t, h, "n")
	want := map[string]model.PageStatus{"p1": model.PageSynced, "p2": model.PageSynced, "p3": model.PageNotSynced}
	for id, s := range want {
		if got[id] != s {
			t.Errorf("%s = %s, want %s", id, got[id], s)
		}
	}

	// p1 edited locally, p2 replaced remotely.
	n = h.read(t, "n")
	n.Pages[0].Content = "local edit"
	n.Pages[0].UpdatedAt = 300
	h.local(t, n)
	newer, _ := json.Marshal(model.Page{ID: "p2", Content: "remote edit", UpdatedAt: 400})
	h.client.Put("/GophNote/n/p2.json", newer, time.UnixMilli(400))

	got = pageStatuses(t, h, "n")
	if got["p1"] != model.PageLocalNewer || got["p2"] != model.PageCloudNewer {
		t.Errorf("statuses = %v", got)
	}
}

func TestUseCloudVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.local(t, mkNote("n", "body", 100))
	if _, err := h.orch.CommitPage(ctx, "n", "p1"); err != nil {
		t.Fatal(err)
	}
	remote, _ := json.Marshal(model.Page{ID: "p1", Title: "Page", Content: "from cloud", UpdatedAt: 400})
	h.client.Put("/GophNote/n/p1.json", remote, time.UnixMilli(400))

	pages, err := h.orch.GetCloudPages(ctx, "n")
	if err != nil || len(pages) != 1 || pages[0].Status != model.PageCloudNewer {
		t.Fatalf("pages = %+v, %v", pages, err)
	}

	t.Run("append", func(t *testing.T) {
		n, err := h.orch.UseCloudVersion(ctx, "n", pages[0], MergeAppend)
		if err != nil {
			t.Fatal(err)
		}
		if len(n.Pages) != 2 || n.Pages[0].Content != "body" || n.Pages[1].Content != "from cloud" || n.Pages[1].ID == "p1" {
			t.Errorf("pages = %+v", n.Pages)
		}
		if n.UpdatedAt != 10_000 {
			t.Errorf("updatedAt = %d", n.UpdatedAt)
		}
	})

	t.Run("replace", func(t *testing.T) {
		n, err := h.orch.UseCloudVersion(ctx, "n", pages[0], MergeReplace)
		if err != nil {
			t.Fatal(err)
		}
		if p := n.PageByID("p1"); p == nil || p.Content != "from cloud" {
			t.Errorf("page = %+v", p)
		}
		if got := pageStatuses(t, h, "n"); got["p1"] != model.PageSynced {
			t.Errorf("status after replace = %v", got)
		}
	})

	t.Run("bad mode", func(t *testing.T) {
		if _, err := h.orch.UseCloudVersion(ctx, "n", pages[0], "merge"); !errors.Is(err, adapter.ErrValidation) {
			t.Errorf("got %v", err)
		}
	})
}

func TestUseCloudVersionRestoresOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.local(t, mkNote("n", "body", 100))
	remote, _ := json.Marshal(model.Page{ID: "p1", Content: "from cloud", UpdatedAt: 400})
	obj := h.client.Put("/GophNote/n/p1.json", remote, time.UnixMilli(400))

	h.orch.store = &failingStore{FileStore: h.store, fail: true}
	_, err := h.orch.UseCloudVersion(ctx, "n", CloudPage{PageID: "p1", RemoteID: obj.ID, UpdatedAt: 400}, MergeReplace)
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := h.read(t, "n"); got.Pages[0].Content != "body" {
		t.Errorf("note changed: %+v", got)
	}
}

// editingClient runs edit before every upload or download, standing in for
// a user saving the note while a transfer is in flight.
type editingClient struct {
	*memory.Client
	edit func()
}

func (c *editingClient) UploadFile(ctx context.Context, localPath, remotePath string, opts adapter.UploadOptions) (*adapter.RemoteObject, error) {
	if c.edit != nil {
		c.edit()
	}
	return c.Client.UploadFile(ctx, localPath, remotePath, opts)
}

func (c *editingClient) DownloadFile(ctx context.Context, fileID, localPath string) error {
	if c.edit != nil {
		c.edit()
	}
	return c.Client.DownloadFile(ctx, fileID, localPath)
}

func TestCommitPageKeepsConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(memory.Limits{})
	ec := &editingClient{Client: mem}
	h := newHarness(t, ec)
	h.client = mem
	h.local(t, mkNote("n", "first", 100))

	ec.edit = func() {
		ec.edit = nil
		h.local(t, mkNote("n", "edited during upload", 500))
	}
	if _, err := h.orch.CommitPage(ctx, "n", "p1"); err != nil {
		t.Fatal(err)
	}
	n := h.read(t, "n")
	if n.Pages[0].Content != "edited during upload" || n.UpdatedAt != 500 {
		t.Fatalf("edit lost: content=%q updatedAt=%d", n.Pages[0].Content, n.UpdatedAt)
	}
	if n.Pages[0].SyncStatus != nil {
		t.Errorf("edited page stamped: %+v", n.Pages[0].SyncStatus)
	}

	// The next commit sends the edited content.
	res, err := h.orch.CommitPage(ctx, "n", "p1")
	if err != nil || res.Skipped {
		t.Fatalf("second commit = %+v, %v", res, err)
	}
	data, _ := h.client.Get("/GophNote/n/p1.json")
	var remote model.Page
	if err := json.Unmarshal(data, &remote); err != nil || remote.Content != "edited during upload" {
		t.Errorf("remote = %+v, %v", remote, err)
	}
	if st := h.read(t, "n").Pages[0].SyncStatus; st == nil || st.Status != model.PageSynced {
		t.Errorf("status = %+v", st)
	}
}

func TestCommitPageErrorKeepsConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(memory.Limits{})
	ec := &editingClient{Client: mem}
	h := newHarness(t, ec)
	h.client = mem
	h.local(t, mkNote("n", "first", 100))

	ec.edit = func() {
		ec.edit = nil
		h.local(t, mkNote("n", "edited during upload", 500))
	}
	mem.FailNext(memory.OpUpload, adapter.NewError(adapter.ErrTransport, "upload", errors.New("reset")))
	if _, err := h.orch.CommitPage(ctx, "n", "p1"); !errors.Is(err, adapter.ErrTransport) {
		t.Fatalf("got %v", err)
	}
	n := h.read(t, "n")
	if n.Pages[0].Content != "edited during upload" || n.UpdatedAt != 500 {
		t.Errorf("edit lost: content=%q updatedAt=%d", n.Pages[0].Content, n.UpdatedAt)
	}
	if st := n.Pages[0].SyncStatus; st == nil || st.Status != model.PageError {
		t.Errorf("status = %+v", st)
	}
}

func TestUseCloudVersionKeepsConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(memory.Limits{})
	ec := &editingClient{Client: mem}
	h := newHarness(t, ec)
	h.client = mem
	h.local(t, mkNote("n", "body", 100))
	remote, _ := json.Marshal(model.Page{ID: "p1", Content: "from cloud", UpdatedAt: 400})
	obj := mem.Put("/GophNote/n/p1.json", remote, time.UnixMilli(400))

	ec.edit = func() {
		ec.edit = nil
		n := mkNote("n", "body", 20_000)
		n.Pages = append(n.Pages, model.Page{ID: "p2", Content: "added during download", UpdatedAt: 20_000})
		h.local(t, n)
	}
	n, err := h.orch.UseCloudVersion(ctx, "n", CloudPage{PageID: "p1", RemoteID: obj.ID, UpdatedAt: 400}, MergeReplace)
	if err != nil {
		t.Fatal(err)
	}
	if p := n.PageByID("p2"); p == nil || p.Content != "added during download" {
		t.Errorf("concurrent page lost: %+v", n.Pages)
	}
	if p := n.PageByID("p1"); p == nil || p.Content != "from cloud" {
		t.Errorf("p1 = %+v", p)
	}
	if n.UpdatedAt != 20_000 {
		t.Errorf("updatedAt = %d, want 20000", n.UpdatedAt)
	}
}
