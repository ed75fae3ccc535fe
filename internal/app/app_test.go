package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/settings"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = dir
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestMemoryAccountEndToEnd(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	account, err := settings.NewAccount("demo", model.ProviderMemory)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Settings.SaveAccount(account); err != nil {
		t.Fatal(err)
	}
	user, err := a.Login(ctx, account, false)
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.Name == "" {
		t.Errorf("user = %+v", user)
	}
	stored, err := a.Settings.Account("demo")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Connected {
		t.Error("account not marked connected")
	}

	now := time.Now().UnixMilli()
	note := &model.Note{ID: "n1", Title: "First", CreatedAt: now, UpdatedAt: now,
		Pages: []model.Page{{ID: "p1", Content: "hello"}}}
	if err := a.Notes.WriteNote(ctx, note); err != nil {
		t.Fatal(err)
	}

	o, _, err := a.Orchestrator(ctx, "demo", Hooks{Network: StaticNetwork(false)})
	if err != nil {
		t.Fatal(err)
	}
	res, err := o.FullSync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Uploaded) != 1 || res.Uploaded[0] != "n1" {
		t.Errorf("uploaded = %v", res.Uploaded)
	}

	if err := a.Logout(ctx, stored); err != nil {
		t.Fatal(err)
	}
	if stored, _ = a.Settings.Account("demo"); stored.Connected {
		t.Error("account still connected after logout")
	}
}

func TestMeteredNetworkBlocksSync(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	account, _ := settings.NewAccount("demo", model.ProviderMemory)
	account.SyncSettings.WifiOnly = true
	if err := a.Settings.SaveAccount(account); err != nil {
		t.Fatal(err)
	}
	o, _, err := a.Orchestrator(ctx, "demo", Hooks{Network: StaticNetwork(true)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.FullSync(ctx); err == nil {
		t.Error("expected metered network error")
	}
}

func TestManagerRequiresClientID(t *testing.T) {
	a := newTestApp(t)
	account, _ := settings.NewAccount("od", model.ProviderOneDrive)
	_, err := a.Manager(context.Background(), account)
	if !errors.Is(err, adapter.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestManagerIsCached(t *testing.T) {
	a := newTestApp(t)
	a.Config.Providers.Baidu.ClientID = "id"
	account, _ := settings.NewAccount("bd", model.ProviderBaidu)
	m1, err := a.Manager(context.Background(), account)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := a.Manager(context.Background(), account)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Error("manager not reused")
	}
	if m1.IsAuthenticated() {
		t.Error("fresh account should not be authenticated")
	}
}

func TestProvidersUnknownKind(t *testing.T) {
	a := newTestApp(t)
	_, err := a.providers.GetClient(context.Background(), model.Account{ID: "x", Provider: "dropbox"})
	if !errors.Is(err, adapter.ErrValidation) {
		t.Errorf("err = %v", err)
	}
}
