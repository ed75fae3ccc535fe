package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/conflict"
	"github.com/jun/gophnote/internal/model"
)

// PageCommit is the outcome of CommitPage.
type PageCommit struct {
	// Skipped is set when the page content matches its last commit.
	Skipped bool
	Remote  *adapter.RemoteObject
}

// CloudPage is a remote page with its status relative to the local copy.
type CloudPage struct {
	PageID    string
	RemoteID  string
	UpdatedAt int64
	Size      int64
	Status    model.PageStatus
}

// MergeMode selects how UseCloudVersion applies a remote page.
type MergeMode string

const (
	MergeReplace MergeMode = "replace"
	MergeAppend  MergeMode = "append"
)

func (o *Orchestrator) readPage(ctx context.Context, noteID, pageID string) (*model.Note, int, error) {
	n, err := o.store.ReadNote(ctx, noteID)
	if err != nil {
		return nil, -1, err
	}
	i := n.PageIndex(pageID)
	if i < 0 {
		return nil, -1, adapter.NewError(adapter.ErrNotFound, "read page", fmt.Errorf("page %s of note %s", pageID, noteID))
	}
	return n, i, nil
}

// CommitPage uploads a single page. A page whose content hash matches the
// one recorded at its last commit is not uploaded again.
func (o *Orchestrator) CommitPage(ctx context.Context, noteID, pageID string) (*PageCommit, error) {
	settings, err := o.settingsFor(ctx, false)
	if err != nil {
		return nil, err
	}
	n, i, err := o.readPage(ctx, noteID, pageID)
	if err != nil {
		return nil, err
	}
	page := n.Pages[i]
	hash := page.ContentHash()
	if st := page.SyncStatus; st != nil && st.Status == model.PageSynced && !conflict.ContentChanged(hash, st.ContentHash) {
		return &PageCommit{Skipped: true}, nil
	}

	obj, err := o.uploadPage(ctx, settings.SyncFolder, noteID, page)
	o.metrics.Transfer("page_commit", err)
	if err != nil {
		msg := err.Error()
		if werr := o.stampPage(ctx, noteID, pageID, func(p *model.Page) {
			st := &model.PageSyncStatus{Status: model.PageError, Error: msg}
			if p.SyncStatus != nil {
				st.ContentHash = p.SyncStatus.ContentHash
				st.RemoteUpdatedAt = p.SyncStatus.RemoteUpdatedAt
				st.LastSyncTime = p.SyncStatus.LastSyncTime
			}
			p.SyncStatus = st
		}); werr != nil {
			o.logger.Warn("record page error", zap.String("note", noteID), zap.Error(werr))
		}
		return nil, err
	}

	remoteAt := page.UpdatedAt
	if !obj.ModifiedTime.IsZero() {
		remoteAt = obj.ModifiedTime.UnixMilli()
	}
	now := o.now()
	err = o.stampPage(ctx, noteID, pageID, func(p *model.Page) {
		if p.ContentHash() != hash {
			// Edited while uploading: the next commit sends the new content.
			o.logger.Info("page changed during commit", zap.String("note", noteID), zap.String("page", pageID))
			return
		}
		p.SyncStatus = &model.PageSyncStatus{
			Status:          model.PageSynced,
			LastSyncTime:    now,
			RemoteUpdatedAt: remoteAt,
			ContentHash:     hash,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("record page status: %w", err)
	}
	o.logger.Info("page committed", zap.String("note", noteID), zap.String("page", pageID))
	return &PageCommit{Remote: obj}, nil
}

// stampPage re-reads the note and applies fn to the sync status of one page.
// Content written by others since the commit started is kept as is.
func (o *Orchestrator) stampPage(ctx context.Context, noteID, pageID string, fn func(*model.Page)) error {
	n, i, err := o.readPage(ctx, noteID, pageID)
	if err != nil {
		return err
	}
	before := n.Pages[i].SyncStatus
	fn(&n.Pages[i])
	if n.Pages[i].SyncStatus == before {
		return nil
	}
	return o.store.WriteNote(ctx, n)
}

func (o *Orchestrator) uploadPage(ctx context.Context, folder, noteID string, page model.Page) (*adapter.RemoteObject, error) {
	if err := o.ensureFolder(ctx, adapter.JoinPath(folder, noteID)); err != nil {
		return nil, err
	}
	page.SyncStatus = nil
	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode page: %w", err)
	}
	return o.put(ctx, pagePath(folder, noteID, page.ID), data, page.UpdatedAt)
}

// GetCloudPages lists the committed pages of a note and classifies each
// against the local copy.
func (o *Orchestrator) GetCloudPages(ctx context.Context, noteID string) ([]CloudPage, error) {
	settings, err := o.settingsFor(ctx, false)
	if err != nil {
		return nil, err
	}
	n, err := o.store.ReadNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	objs, err := o.client.ListFiles(ctx, adapter.JoinPath(settings.SyncFolder, noteID))
	if err != nil {
		return nil, fmt.Errorf("list pages of %s: %w", noteID, err)
	}

	var out []CloudPage
	for _, obj := range objs {
		if obj.IsFolder || !strings.HasSuffix(obj.Name, noteExt) {
			continue
		}
		cp := CloudPage{
			PageID:   strings.TrimSuffix(obj.Name, noteExt),
			RemoteID: obj.ID,
			Size:     obj.Size,
		}
		if !obj.ModifiedTime.IsZero() {
			cp.UpdatedAt = obj.ModifiedTime.UnixMilli()
		}
		cp.Status = o.pageStatus(n.PageByID(cp.PageID), cp.UpdatedAt)
		out = append(out, cp)
	}
	return out, nil
}

func (o *Orchestrator) pageStatus(local *model.Page, remoteAt int64) model.PageStatus {
	if local == nil || local.SyncStatus == nil || local.SyncStatus.ContentHash == "" {
		return model.PageNotSynced
	}
	st := local.SyncStatus
	cloudChanged := compareTimes(remoteAt, st.RemoteUpdatedAt, o.precision) > 0
	localChanged := conflict.ContentChanged(local.ContentHash(), st.ContentHash)
	switch {
	case cloudChanged && localChanged:
		if compareTimes(local.UpdatedAt, remoteAt, o.precision) >= 0 {
			return model.PageLocalNewer
		}
		return model.PageCloudNewer
	case cloudChanged:
		return model.PageCloudNewer
	case localChanged:
		return model.PageLocalNewer
	}
	return model.PageSynced
}

// UseCloudVersion applies a committed remote page to the local note,
// replacing the page of the same id or appending it as a new page.
func (o *Orchestrator) UseCloudVersion(ctx context.Context, noteID string, cp CloudPage, mode MergeMode) (*model.Note, error) {
	if mode != MergeReplace && mode != MergeAppend {
		return nil, adapter.NewError(adapter.ErrValidation, "use cloud page", fmt.Errorf("unknown mode %q", mode))
	}
	if _, err := o.store.ReadNote(ctx, noteID); err != nil {
		return nil, err
	}
	page, err := o.fetchPage(ctx, cp.RemoteID)
	if err != nil {
		return nil, err
	}
	if page.ID != cp.PageID {
		return nil, adapter.NewError(adapter.ErrValidation, "use cloud page",
			fmt.Errorf("remote page %s holds %s", cp.PageID, page.ID))
	}
	// Read again after the download so edits saved meanwhile survive.
	n, err := o.store.ReadNote(ctx, noteID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	switch mode {
	case MergeReplace:
		page.SyncStatus = &model.PageSyncStatus{
			Status:          model.PageSynced,
			LastSyncTime:    now,
			RemoteUpdatedAt: cp.UpdatedAt,
			ContentHash:     page.ContentHash(),
		}
		if i := n.PageIndex(page.ID); i >= 0 {
			n.Pages[i] = page
		} else {
			n.Pages = append(n.Pages, page)
		}
	case MergeAppend:
		page.ID = uuid.NewString()
		page.SyncStatus = nil
		page.CreatedAt = now
		page.UpdatedAt = now
		n.Pages = append(n.Pages, page)
	}
	n.UpdatedAt = max(n.UpdatedAt, now)

	backup, err := o.store.CreateBackup(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("back up %s: %w", noteID, err)
	}
	if werr := o.store.WriteNote(ctx, n); werr != nil {
		if rerr := o.store.RestoreFromBackup(ctx, noteID, backup); rerr != nil {
			o.logger.Error("restore after failed page merge", zap.String("note", noteID), zap.Error(rerr))
		}
		o.deleteBackup(ctx, backup)
		return nil, fmt.Errorf("write %s: %w", noteID, werr)
	}
	o.deleteBackup(ctx, backup)
	o.logger.Info("cloud page applied", zap.String("note", noteID), zap.String("page", cp.PageID), zap.String("mode", string(mode)))
	return n, nil
}

func (o *Orchestrator) fetchPage(ctx context.Context, remoteID string) (model.Page, error) {
	var page model.Page
	body, err := o.fetch(ctx, model.CloudNoteSnapshot{RemoteID: remoteID})
	if err != nil {
		return page, err
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return page, adapter.NewError(adapter.ErrValidation, "decode page", err)
	}
	if page.ID == "" {
		return page, adapter.NewError(adapter.ErrValidation, "decode page", errors.New("page without id"))
	}
	return page, nil
}
