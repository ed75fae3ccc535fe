// Package settings is the JSON key-value store holding connected accounts
// and their sync preferences.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/creasty/defaults"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

const (
	keyAccounts    = "accounts"
	keyInitialSync = "initial-sync"
)

// ErrUnknownAccount is returned for an account id that is not configured.
var ErrUnknownAccount = fmt.Errorf("account %w", adapter.ErrNotFound)

// Store is a JSON object persisted to one file. Every Set rewrites the file.
type Store struct {
	path string
	mu   sync.Mutex
	data map[string]json.RawMessage
}

// Open loads path; a missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]json.RawMessage{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}
	return s, nil
}

// Get decodes key into v and reports whether the key was present.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key, v)
}

func (s *Store) get(key string, v any) (bool, error) {
	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key and persists the file.
func (s *Store) Set(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key, v)
}

func (s *Store) set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	prev, had := s.data[key]
	s.data[key] = raw
	if err := s.flush(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *Store) flush() error {
	out, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return adapter.WriteFileAtomic(s.path, out)
}

func (s *Store) accounts() (map[string]model.Account, error) {
	accounts := map[string]model.Account{}
	if _, err := s.get(keyAccounts, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Accounts returns every configured account ordered by id.
func (s *Store) Accounts() ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.accounts()
	if err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Account returns one account.
func (s *Store) Account(id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.accounts()
	if err != nil {
		return model.Account{}, err
	}
	a, ok := m[id]
	if !ok {
		return model.Account{}, fmt.Errorf("%s: %w", id, ErrUnknownAccount)
	}
	return a, nil
}

// NewAccount returns an account with default sync settings.
func NewAccount(id string, provider model.ProviderKind) (model.Account, error) {
	a := model.Account{ID: id, Provider: provider}
	if err := defaults.Set(&a.SyncSettings); err != nil {
		return model.Account{}, fmt.Errorf("apply account defaults: %w", err)
	}
	return a, nil
}

// SaveAccount adds or replaces an account.
func (s *Store) SaveAccount(a model.Account) error {
	if a.ID == "" {
		return adapter.NewError(adapter.ErrValidation, "save account", errors.New("account id is empty"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.accounts()
	if err != nil {
		return err
	}
	m[a.ID] = a
	return s.set(keyAccounts, m)
}

// RemoveAccount deletes an account and its initial-sync marker.
func (s *Store) RemoveAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.accounts()
	if err != nil {
		return err
	}
	delete(m, id)
	if err := s.set(keyAccounts, m); err != nil {
		return err
	}
	done := map[string]bool{}
	if _, err := s.get(keyInitialSync, &done); err != nil {
		return err
	}
	if done[id] {
		delete(done, id)
		return s.set(keyInitialSync, done)
	}
	return nil
}

func (s *Store) update(id string, fn func(*model.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.accounts()
	if err != nil {
		return err
	}
	a, ok := m[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownAccount)
	}
	fn(&a)
	m[id] = a
	return s.set(keyAccounts, m)
}

// ForAccount returns the view of one account used by the sync engine.
func (s *Store) ForAccount(id string) *AccountSettings {
	return &AccountSettings{store: s, id: id}
}

// AccountSettings exposes one account's settings.
type AccountSettings struct {
	store *Store
	id    string
}

// SyncSettings reads the folder and flags the orchestrator needs.
func (a *AccountSettings) SyncSettings(ctx context.Context) (model.SyncSettings, error) {
	acc, err := a.store.Account(a.id)
	if err != nil {
		return model.SyncSettings{}, err
	}
	return model.SyncSettings{
		SyncFolder:       acc.SyncFolder,
		WifiOnly:         acc.SyncSettings.WifiOnly,
		KeepConflictCopy: acc.SyncSettings.KeepConflictCopy,
	}, nil
}

// SetConnected records the connection status and, when known, the profile.
func (a *AccountSettings) SetConnected(ctx context.Context, connected bool, user *model.UserInfo) error {
	return a.store.update(a.id, func(acc *model.Account) {
		acc.Connected = connected
		if user != nil {
			acc.UserInfo = user
		}
		if !connected {
			acc.UserInfo = nil
		}
	})
}

// InitialSyncDone reports whether the first-connection sync has run.
func (a *AccountSettings) InitialSyncDone(ctx context.Context) (bool, error) {
	done := map[string]bool{}
	if _, err := a.store.Get(keyInitialSync, &done); err != nil {
		return false, err
	}
	return done[a.id], nil
}

// MarkInitialSyncDone records that the first-connection sync has run.
func (a *AccountSettings) MarkInitialSyncDone(ctx context.Context) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	done := map[string]bool{}
	if _, err := a.store.get(keyInitialSync, &done); err != nil {
		return err
	}
	done[a.id] = true
	return a.store.set(keyInitialSync, done)
}
