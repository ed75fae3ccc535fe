package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/conflict"
	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/notestore"
)

// UploadNote pushes one note to the configured folder and records the
// remote id on the local copy.
func (o *Orchestrator) UploadNote(ctx context.Context, note *model.Note) (*adapter.RemoteObject, error) {
	settings, err := o.settingsFor(ctx, false)
	if err != nil {
		return nil, err
	}
	o.setStatus(note.ID, model.StatusSyncing)
	obj, err := o.uploadNote(ctx, settings.SyncFolder, note)
	if err != nil {
		o.setStatus(note.ID, model.StatusError)
		return nil, err
	}
	o.setStatus(note.ID, model.StatusSynced)
	return obj, nil
}

// DownloadNote replaces the local copy of snap's note with the remote one.
func (o *Orchestrator) DownloadNote(ctx context.Context, snap model.CloudNoteSnapshot) (*model.Note, error) {
	o.setStatus(snap.ID, model.StatusSyncing)
	n, err := o.downloadNote(ctx, snap)
	if err != nil {
		o.setStatus(snap.ID, model.StatusError)
		return nil, err
	}
	o.setStatus(snap.ID, model.StatusSynced)
	return n, nil
}

// ensureFolder creates folder once per orchestrator.
func (o *Orchestrator) ensureFolder(ctx context.Context, folder string) error {
	o.mu.Lock()
	done := o.folders[folder]
	o.mu.Unlock()
	if done {
		return nil
	}
	if _, err := o.client.CreateFolder(ctx, folder); err != nil {
		return fmt.Errorf("create folder %s: %w", folder, err)
	}
	o.mu.Lock()
	o.folders[folder] = true
	o.mu.Unlock()
	return nil
}

// stage writes data to a temp file. The caller removes it.
func (o *Orchestrator) stage(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(o.tempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

// put uploads data to remotePath and checks that the stored size matches.
func (o *Orchestrator) put(ctx context.Context, remotePath string, data []byte, modified int64) (*adapter.RemoteObject, error) {
	tmp, err := o.stage("gophnote-up-*.json", data)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	obj, err := o.client.UploadFile(ctx, tmp, remotePath, adapter.UploadOptions{ModTime: time.UnixMilli(modified)})
	if err != nil {
		return nil, err
	}
	if obj.Size != int64(len(data)) {
		return nil, fmt.Errorf("%s: sent %d bytes, stored %d: %w", remotePath, len(data), obj.Size, ErrSizeMismatch)
	}
	o.metrics.Uploaded(obj.Size)
	return obj, nil
}

func (o *Orchestrator) uploadNote(ctx context.Context, folder string, note *model.Note) (obj *adapter.RemoteObject, err error) {
	defer func() { o.metrics.Transfer(OpUpload, err) }()

	if err := o.ensureFolder(ctx, folder); err != nil {
		return nil, err
	}
	out := note.Clone()
	out.SyncMetadata = nil
	data, err := notestore.Encode(&out)
	if err != nil {
		return nil, err
	}
	obj, err = o.put(ctx, notePath(folder, note.ID), data, note.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// The note may have been edited during the upload; only stamp the
	// version that was sent.
	cur, err := o.store.ReadNote(ctx, note.ID)
	if err != nil {
		return nil, err
	}
	if cur.UpdatedAt != note.UpdatedAt {
		o.logger.Info("note changed during upload", zap.String("note", note.ID))
		return obj, nil
	}
	now := o.now()
	cur.SyncMetadata = &model.SyncMetadata{RemoteID: obj.ID, LastSyncTime: now, Status: model.StatusSynced}
	if cur.SyncConfig != nil {
		cur.SyncConfig.LastSyncTime = now
	}
	if err := o.store.WriteNote(ctx, cur); err != nil {
		return nil, fmt.Errorf("record sync metadata: %w", err)
	}
	o.logger.Debug("note uploaded", zap.String("note", note.ID), zap.Int64("size", obj.Size))
	return obj, nil
}

// fetch returns the raw body of a remote note.
func (o *Orchestrator) fetch(ctx context.Context, snap model.CloudNoteSnapshot) ([]byte, error) {
	f, err := os.CreateTemp(o.tempDir, "gophnote-down-*.json")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	f.Close()
	defer os.Remove(tmp)

	if err := o.client.DownloadFile(ctx, snap.RemoteID, tmp); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	return data, nil
}

func (o *Orchestrator) downloadNote(ctx context.Context, snap model.CloudNoteSnapshot) (n *model.Note, err error) {
	defer func() { o.metrics.Transfer(OpDownload, err) }()

	body, err := o.fetch(ctx, snap)
	if err != nil {
		return nil, err
	}
	n, err = conflict.DecodeRemote(body)
	if err != nil {
		return nil, err
	}
	if n.ID != snap.ID {
		return nil, adapter.NewError(adapter.ErrValidation, "download",
			fmt.Errorf("remote %s holds note %s", snap.Name, n.ID))
	}

	existing, err := o.store.ReadNote(ctx, n.ID)
	switch {
	case err == nil:
	case errors.Is(err, adapter.ErrNotFound):
		existing = nil
	default:
		return nil, err
	}

	// The local timestamp never moves backwards, and matching the remote
	// time keeps the next plan from downloading the same version again.
	n.UpdatedAt = max(n.UpdatedAt, snap.UpdatedAt)
	if existing != nil {
		n.SyncConfig = existing.SyncConfig
		n.UpdatedAt = max(n.UpdatedAt, existing.UpdatedAt)
	}
	n.SyncMetadata = &model.SyncMetadata{RemoteID: snap.RemoteID, LastSyncTime: o.now(), Status: model.StatusSynced}
	if n.SyncConfig != nil {
		n.SyncConfig.LastSyncTime = n.SyncMetadata.LastSyncTime
	}

	if existing == nil {
		if err := o.store.WriteNote(ctx, n); err != nil {
			return nil, err
		}
		return n, nil
	}

	backup, err := o.store.CreateBackup(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("back up %s: %w", n.ID, err)
	}
	if werr := o.store.WriteNote(ctx, n); werr != nil {
		if rerr := o.store.RestoreFromBackup(ctx, n.ID, backup); rerr != nil {
			o.logger.Error("restore after failed download", zap.String("note", n.ID), zap.String("backup", backup), zap.Error(rerr))
			return nil, fmt.Errorf("write %s: %w (restore failed: %v)", n.ID, werr, rerr)
		}
		o.deleteBackup(ctx, backup)
		return nil, fmt.Errorf("write %s: %w", n.ID, werr)
	}
	o.deleteBackup(ctx, backup)
	return n, nil
}

func (o *Orchestrator) deleteBackup(ctx context.Context, backup string) {
	if err := o.store.DeleteBackup(ctx, backup); err != nil {
		o.logger.Warn("delete backup", zap.String("backup", backup), zap.Error(err))
	}
}
