package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SyncStatus is the per-note synchronization state.
type SyncStatus string

const (
	StatusNotSynced SyncStatus = "not_synced"
	StatusSyncing   SyncStatus = "syncing"
	StatusSynced    SyncStatus = "synced"
	StatusConflict  SyncStatus = "conflict"
	StatusError     SyncStatus = "error"
)

// PageStatus is the per-page synchronization state used by incremental sync.
type PageStatus string

const (
	PageNotSynced  PageStatus = "not_synced"
	PageSynced     PageStatus = "synced"
	PagePending    PageStatus = "pending"
	PageSyncing    PageStatus = "syncing"
	PageError      PageStatus = "error"
	PageCloudNewer PageStatus = "cloud_newer"
	PageLocalNewer PageStatus = "local_newer"
)

// Note is a user document composed of one or more pages.
// Timestamps are wall-clock milliseconds.
type Note struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Pages        []Page        `json:"pages"`
	CreatedAt    int64         `json:"createdAt"`
	UpdatedAt    int64         `json:"updatedAt"`
	SyncConfig   *SyncConfig   `json:"syncConfig,omitempty"`
	SyncMetadata *SyncMetadata `json:"syncMetadata,omitempty"`
}

// SyncConfig holds the user's per-note sync preferences.
type SyncConfig struct {
	Enabled      bool   `json:"enabled"`
	AutoCommit   bool   `json:"autoCommit"`
	RemoteFolder string `json:"remoteFolder,omitempty"`
	LastSyncTime int64  `json:"lastSyncTime,omitempty"`
}

// SyncMetadata records the outcome of the last sync of a note.
type SyncMetadata struct {
	RemoteID     string     `json:"remoteId,omitempty"`
	LastSyncTime int64      `json:"lastSyncTime,omitempty"`
	Status       SyncStatus `json:"status,omitempty"`
}

// Page is an independently synchronizable unit of note content.
type Page struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Content    string          `json:"content"`
	Tags       []string        `json:"tags,omitempty"`
	Bookmarks  []Bookmark      `json:"bookmarks,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
	SyncStatus *PageSyncStatus `json:"syncStatus,omitempty"`
}

// Bookmark marks a position inside a page.
type Bookmark struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Offset int    `json:"offset"`
}

// PageSyncStatus is the page-level sync record.
type PageSyncStatus struct {
	Status          PageStatus `json:"status"`
	LastSyncTime    int64      `json:"lastSyncTime,omitempty"`
	RemoteUpdatedAt int64      `json:"remoteUpdatedAt,omitempty"`
	ContentHash     string     `json:"contentHash,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// CloudNoteSnapshot is the remote-side view of a note, rebuilt on every listing.
type CloudNoteSnapshot struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UpdatedAt int64  `json:"updatedAt"`
	Size      int64  `json:"size"`
	RemoteID  string `json:"remoteId"`
}

// SyncAction is what a plan item asks the executor to do.
type SyncAction string

const (
	ActionUpload   SyncAction = "upload"
	ActionDownload SyncAction = "download"
	ActionConflict SyncAction = "conflict"
)

// SyncPlanItem is one entry of a reconciliation plan.
type SyncPlanItem struct {
	NoteID string             `json:"noteId"`
	Action SyncAction         `json:"action"`
	Local  *Note              `json:"local,omitempty"`
	Cloud  *CloudNoteSnapshot `json:"cloud,omitempty"`
}

// DiffSummary is a rough character-level measure of how two versions differ.
type DiffSummary struct {
	Inserted int `json:"inserted"`
	Deleted  int `json:"deleted"`
	Equal    int `json:"equal"`
}

// ConflictInfo describes a same-timestamp content divergence.
type ConflictInfo struct {
	NoteID         string            `json:"noteId"`
	NoteName       string            `json:"noteName"`
	LocalVersion   Note              `json:"localVersion"`
	CloudVersion   CloudNoteSnapshot `json:"cloudVersion"`
	LocalUpdatedAt int64             `json:"localUpdatedAt"`
	CloudUpdatedAt int64             `json:"cloudUpdatedAt"`
	Diff           DiffSummary       `json:"diff"`
}

// NowMillis returns the current wall-clock time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Clone returns a deep copy of the note.
func (n Note) Clone() Note {
	out := n
	if n.Pages != nil {
		out.Pages = make([]Page, len(n.Pages))
		for i, p := range n.Pages {
			out.Pages[i] = p.Clone()
		}
	}
	if n.SyncConfig != nil {
		c := *n.SyncConfig
		out.SyncConfig = &c
	}
	if n.SyncMetadata != nil {
		m := *n.SyncMetadata
		out.SyncMetadata = &m
	}
	return out
}

// PageIndex returns the index of the page with the given id, or -1.
func (n *Note) PageIndex(pageID string) int {
	for i := range n.Pages {
		if n.Pages[i].ID == pageID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the page.
func (p Page) Clone() Page {
	out := p
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.Bookmarks != nil {
		out.Bookmarks = append([]Bookmark(nil), p.Bookmarks...)
	}
	if p.SyncStatus != nil {
		s := *p.SyncStatus
		out.SyncStatus = &s
	}
	return out
}

// ContentHash returns a stable hash of the page's user-visible content.
func (p Page) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(p.Title))
	h.Write([]byte{0})
	h.Write([]byte(p.Content))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(p.Tags, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// PageByID returns a pointer to the page with the given id, or nil.
func (n *Note) PageByID(pageID string) *Page {
	if i := n.PageIndex(pageID); i >= 0 {
		return &n.Pages[i]
	}
	return nil
}
