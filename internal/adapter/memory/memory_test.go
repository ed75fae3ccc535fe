package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUploadListDownload(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	mod := time.UnixMilli(1_700_000_000_123)

	obj, err := c.UploadFile(ctx, writeTemp(t, []byte("hello")), "/notes/a.json", adapter.UploadOptions{ModTime: mod})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if obj.Size != 5 || !obj.ModifiedTime.Equal(mod) {
		t.Errorf("unexpected object %+v", obj)
	}

	list, err := c.ListFiles(ctx, "/notes")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(list) != 1 || list[0].Name != "a.json" || list[0].ID != obj.ID {
		t.Fatalf("unexpected listing %+v", list)
	}

	root, _ := c.ListFiles(ctx, "/")
	if len(root) != 1 || !root[0].IsFolder {
		t.Errorf("parent folder should be created implicitly, got %+v", root)
	}

	dst := filepath.Join(t.TempDir(), "out")
	if err := c.DownloadFile(ctx, obj.ID, dst); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "hello" {
		t.Errorf("downloaded %q", got)
	}
}

func TestListMissingFolderIsEmpty(t *testing.T) {
	list, err := New(Limits{}).ListFiles(context.Background(), "/missing")
	if err != nil || len(list) != 0 {
		t.Errorf("got %v, %v", list, err)
	}
}

func TestDemoLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("name length", func(t *testing.T) {
		c := New(DemoLimits)
		long := strings.Repeat("a", maxDemoNameLength+1)
		_, err := c.UploadFile(ctx, writeTemp(t, []byte("x")), "/"+long, adapter.UploadOptions{})
		if !errors.Is(err, adapter.ErrRejected) || !strings.Contains(err.Error(), "name too long") {
			t.Errorf("expected name error, got %v", err)
		}
	})

	t.Run("content size", func(t *testing.T) {
		c := New(DemoLimits)
		_, err := c.UploadFile(ctx, writeTemp(t, make([]byte, maxDemoContentSize+1)), "/big", adapter.UploadOptions{})
		if !errors.Is(err, adapter.ErrQuotaExceeded) || !strings.Contains(err.Error(), "content too large") {
			t.Errorf("expected size error, got %v", err)
		}
	})

	t.Run("item count", func(t *testing.T) {
		c := New(DemoLimits)
		src := writeTemp(t, []byte("ok"))
		for i := 0; i < maxDemoItemCount; i++ {
			if _, err := c.UploadFile(ctx, src, filepath.Join("/n", strings.Repeat("x", i+1)), adapter.UploadOptions{}); err != nil {
				t.Fatalf("upload %d: %v", i, err)
			}
		}
		if _, err := c.UploadFile(ctx, src, "/n/x", adapter.UploadOptions{}); err != nil {
			t.Errorf("replacing an existing item must not count: %v", err)
		}
		_, err := c.UploadFile(ctx, src, "/n/overflow", adapter.UploadOptions{})
		if !errors.Is(err, adapter.ErrQuotaExceeded) || !strings.Contains(err.Error(), "item limit reached") {
			t.Errorf("expected item limit, got %v", err)
		}
	})
}

func TestQuota(t *testing.T) {
	c := New(Limits{Capacity: 100})
	c.Put("/a", []byte("0123456789"), time.Time{})

	q, err := c.GetQuota(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if q.Total != 100 || q.Used != 10 || q.Remaining != 90 {
		t.Errorf("unexpected quota %+v", q)
	}
}

func TestDeleteFolderRemovesChildren(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	c.Put("/base/n1/p1.json", []byte("{}"), time.Time{})
	c.Put("/base/n1/p2.json", []byte("{}"), time.Time{})
	c.Put("/base/n1.json", []byte("{}"), time.Time{})

	list, _ := c.ListFiles(ctx, "/base")
	var folderID string
	for _, o := range list {
		if o.IsFolder {
			folderID = o.ID
		}
	}
	if err := c.DeleteFile(ctx, folderID); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("/base/n1/p1.json"); ok {
		t.Error("child should be deleted")
	}
	if _, ok := c.Get("/base/n1.json"); !ok {
		t.Error("sibling should survive")
	}
	if err := c.DeleteFile(ctx, folderID); err != nil {
		t.Errorf("second delete should succeed: %v", err)
	}
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	boom := adapter.NewError(adapter.ErrTransport, "list", errors.New("boom"))
	c.FailNext(OpList, boom)

	if _, err := c.ListFiles(ctx, "/"); !errors.Is(err, adapter.ErrTransport) {
		t.Errorf("expected injected error, got %v", err)
	}
	if _, err := c.ListFiles(ctx, "/"); err != nil {
		t.Errorf("failure should be consumed, got %v", err)
	}
	if c.Calls(OpList) != 2 {
		t.Errorf("Calls = %d, want 2", c.Calls(OpList))
	}
}

func TestProviderReusesClientPerAccount(t *testing.T) {
	ctx := context.Background()
	p := NewProvider(Limits{})
	a, _ := p.GetClient(ctx, model.Account{ID: "acc1", DisplayName: "Alice"})
	b, _ := p.GetClient(ctx, model.Account{ID: "acc1"})
	other, _ := p.GetClient(ctx, model.Account{ID: "acc2"})
	if a != b || a == other {
		t.Error("expected one client per account")
	}
	u, _ := a.(adapter.ProfileFetcher).UserInfo(ctx)
	if u.ID != "acc1" || u.Name != "Alice" {
		t.Errorf("unexpected profile %+v", u)
	}
}
