package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

// Strategy chooses how the first sync of an account treats notes that
// already exist on both sides.
type Strategy string

const (
	// UploadLocal pushes every local note, overwriting remote copies.
	UploadLocal Strategy = "upload_local"
	// DownloadCloud pulls every remote note, overwriting local copies.
	DownloadCloud Strategy = "download_cloud"
	// SmartMerge keeps whichever side is newer; ties go to the local copy.
	SmartMerge Strategy = "smart_merge"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch v := Strategy(s); v {
	case UploadLocal, DownloadCloud, SmartMerge:
		return v, nil
	}
	return "", adapter.NewError(adapter.ErrValidation, "parse strategy",
		fmt.Errorf("unknown strategy %q (want upload_local, download_cloud or smart_merge)", s))
}

// InitialResult summarizes an initial sync. Merged lists notes present on
// both sides.
type InitialResult struct {
	Uploaded   []string
	Downloaded []string
	Merged     []string
	Errors     []ItemError
}

// InitialMarker records that an account finished its first sync.
type InitialMarker interface {
	MarkInitialSyncDone(ctx context.Context) error
}

// InitialSync performs the first sync of an account. UploadLocal pushes every
// local note and DownloadCloud pulls every remote note; only SmartMerge
// copies one-sided notes in both directions.
func (o *Orchestrator) InitialSync(ctx context.Context, strategy Strategy) (*InitialResult, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	settings, err := o.settingsFor(ctx, true)
	if err != nil {
		return nil, err
	}
	folder := settings.SyncFolder
	local, err := o.store.GetAllNotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("read local notes: %w", err)
	}
	cloud, err := o.listCloud(ctx, folder)
	if err != nil {
		return nil, err
	}

	p := ComputePlan(local, cloud, o.precision)
	res := &InitialResult{}
	upload := func(n *model.Note, merged bool) {
		if _, err := o.uploadNote(ctx, folder, n); err != nil {
			res.Errors = append(res.Errors, ItemError{NoteID: n.ID, Op: OpUpload, Err: err})
			o.setStatus(n.ID, model.StatusError)
			return
		}
		o.setStatus(n.ID, model.StatusSynced)
		res.Uploaded = append(res.Uploaded, n.ID)
		if merged {
			res.Merged = append(res.Merged, n.ID)
		}
	}
	download := func(snap model.CloudNoteSnapshot, merged bool) {
		if _, err := o.downloadNote(ctx, snap); err != nil {
			res.Errors = append(res.Errors, ItemError{NoteID: snap.ID, Op: OpDownload, Err: err})
			o.setStatus(snap.ID, model.StatusError)
			return
		}
		o.setStatus(snap.ID, model.StatusSynced)
		res.Downloaded = append(res.Downloaded, snap.ID)
		if merged {
			res.Merged = append(res.Merged, snap.ID)
		}
	}

	both := append(append([]model.SyncPlanItem(nil), p.Upload...), p.Download...)
	both = append(both, p.Tied...)
	for _, item := range both {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch {
		case strategy == UploadLocal:
			if item.Local != nil {
				upload(item.Local, item.Cloud != nil)
			}
		case strategy == DownloadCloud:
			if item.Cloud != nil {
				download(*item.Cloud, item.Local != nil)
			}
		case item.Cloud == nil:
			upload(item.Local, false)
		case item.Local == nil:
			download(*item.Cloud, false)
		case item.Action == model.ActionDownload:
			download(*item.Cloud, true)
		default:
			upload(item.Local, true)
		}
	}

	if m, ok := o.settings.(InitialMarker); ok && len(res.Errors) == 0 {
		if err := m.MarkInitialSyncDone(ctx); err != nil {
			return res, fmt.Errorf("mark initial sync: %w", err)
		}
	}
	o.logger.Info("initial sync finished",
		zap.String("strategy", string(strategy)),
		zap.Int("uploaded", len(res.Uploaded)),
		zap.Int("downloaded", len(res.Downloaded)),
		zap.Int("merged", len(res.Merged)),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}
