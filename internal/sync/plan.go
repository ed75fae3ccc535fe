package sync

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

const (
	// DefaultFolder is used when an account has no sync folder configured.
	DefaultFolder = "/GophNote"

	noteExt = ".json"
)

// Plan is the reconciliation of one sync run. Every note id appears in
// exactly one of the lists.
type Plan struct {
	Upload   []model.SyncPlanItem
	Download []model.SyncPlanItem
	Conflict []model.SyncPlanItem
	// Tied holds ids present on both sides with equal timestamps. BuildPlan
	// moves them to Conflict or InSync.
	Tied   []model.SyncPlanItem
	InSync []string
}

// Transfers is the number of upload and download items.
func (p *Plan) Transfers() int {
	return len(p.Upload) + len(p.Download)
}

// truncate drops the part of a millisecond timestamp finer than precision.
func truncate(ms int64, precision time.Duration) int64 {
	step := precision.Milliseconds()
	if step <= 1 {
		return ms
	}
	return ms - ms%step
}

// compareTimes orders two timestamps at the given precision.
func compareTimes(local, cloud int64, precision time.Duration) int {
	l, c := truncate(local, precision), truncate(cloud, precision)
	switch {
	case l > c:
		return 1
	case l < c:
		return -1
	}
	return 0
}

// ComputePlan classifies every id by timestamp alone. precision is the
// resolution of the provider's modification times; both sides are
// truncated to it before comparing.
func ComputePlan(local []model.Note, cloud []model.CloudNoteSnapshot, precision time.Duration) Plan {
	localByID := make(map[string]*model.Note, len(local))
	for i := range local {
		localByID[local[i].ID] = &local[i]
	}
	cloudByID := make(map[string]*model.CloudNoteSnapshot, len(cloud))
	for i := range cloud {
		cloudByID[cloud[i].ID] = &cloud[i]
	}

	ids := make([]string, 0, len(localByID)+len(cloudByID))
	for id := range localByID {
		ids = append(ids, id)
	}
	for id := range cloudByID {
		if _, ok := localByID[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var p Plan
	for _, id := range ids {
		l, c := localByID[id], cloudByID[id]
		item := model.SyncPlanItem{NoteID: id, Local: l, Cloud: c}
		switch {
		case c == nil:
			item.Action = model.ActionUpload
			p.Upload = append(p.Upload, item)
		case l == nil:
			item.Action = model.ActionDownload
			p.Download = append(p.Download, item)
		default:
			switch compareTimes(l.UpdatedAt, c.UpdatedAt, precision) {
			case 1:
				item.Action = model.ActionUpload
				p.Upload = append(p.Upload, item)
			case -1:
				item.Action = model.ActionDownload
				p.Download = append(p.Download, item)
			default:
				p.Tied = append(p.Tied, item)
			}
		}
	}
	return p
}

// DetectFunc decides whether a tied pair diverges.
type DetectFunc func(ctx context.Context, local *model.Note, snap model.CloudNoteSnapshot) (*model.ConflictInfo, error)

// BuildPlan runs ComputePlan and settles ties with detect. A tie that
// cannot be checked is returned in failed and stays out of the plan.
func BuildPlan(ctx context.Context, local []model.Note, cloud []model.CloudNoteSnapshot, precision time.Duration, detect DetectFunc) (Plan, []model.ConflictInfo, []ItemError) {
	p := ComputePlan(local, cloud, precision)
	var conflicts []model.ConflictInfo
	var failed []ItemError
	for _, item := range p.Tied {
		info, err := detect(ctx, item.Local, *item.Cloud)
		switch {
		case err != nil:
			failed = append(failed, ItemError{NoteID: item.NoteID, Op: OpDetect, Err: err})
		case info != nil:
			item.Action = model.ActionConflict
			p.Conflict = append(p.Conflict, item)
			conflicts = append(conflicts, *info)
		default:
			p.InSync = append(p.InSync, item.NoteID)
		}
	}
	p.Tied = nil
	return p, conflicts, failed
}

// notePath is the remote object of a note.
func notePath(folder, noteID string) string {
	return adapter.JoinPath(folder, noteID+noteExt)
}

// pagePath is the remote object of a single page.
func pagePath(folder, noteID, pageID string) string {
	return adapter.JoinPath(folder, noteID, pageID+noteExt)
}

// snapshots turns a folder listing into note snapshots. Sub-folders hold
// pages and are skipped.
func snapshots(objs []adapter.RemoteObject) []model.CloudNoteSnapshot {
	out := make([]model.CloudNoteSnapshot, 0, len(objs))
	for _, o := range objs {
		if o.IsFolder || !strings.HasSuffix(o.Name, noteExt) {
			continue
		}
		id := strings.TrimSuffix(path.Base(o.Name), noteExt)
		if id == "" || strings.HasPrefix(id, ".") {
			continue
		}
		snap := model.CloudNoteSnapshot{
			ID:       id,
			Name:     o.Name,
			Size:     o.Size,
			RemoteID: o.ID,
		}
		if !o.ModifiedTime.IsZero() {
			snap.UpdatedAt = o.ModifiedTime.UnixMilli()
		}
		out = append(out, snap)
	}
	return out
}
