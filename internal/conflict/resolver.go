package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/notestore"
)

// Action is the user's choice for a conflict.
type Action string

const (
	KeepLocal  Action = "keep_local"
	UseCloud   Action = "use_cloud"
	CreateBoth Action = "create_both"
)

// ParseAction validates a resolution name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case KeepLocal, UseCloud, CreateBoth:
		return a, nil
	}
	return "", adapter.NewError(adapter.ErrValidation, "parse resolution",
		fmt.Errorf("unknown action %q (want keep_local, use_cloud or create_both)", s))
}

// Resolution is what the user picked.
type Resolution struct {
	Action Action
	// SaveConflictCopy keeps the losing version as a separate note.
	SaveConflictCopy bool
}

// Outcome lists the notes a resolution wrote.
type Outcome struct {
	Action Action
	// CopyID is the id of the saved losing version, if any.
	CopyID string
	// Created holds the synthetic ids written by CreateBoth.
	Created []string
	// Overwritten is set when the original note was replaced by the cloud version.
	Overwritten bool
}

const (
	localCopySuffix = " (Conflict - Local Copy)"
	cloudCopySuffix = " (Conflict - Cloud Copy)"
)

// Resolver applies resolutions to the local store.
type Resolver struct {
	store  notestore.NoteStore
	logger *zap.Logger

	newID func() string
	now   func() int64
}

// NewResolver creates a Resolver writing to store.
func NewResolver(store notestore.NoteStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger, newID: uuid.NewString, now: model.NowMillis}
}

// copyOf returns n under a fresh id with sync state stripped.
func copyOf(n *model.Note, id, suffix string) *model.Note {
	c := n.Clone()
	c.ID = id
	c.Title = n.Title + suffix
	c.SyncMetadata = nil
	c.SyncConfig = nil
	for i := range c.Pages {
		c.Pages[i].SyncStatus = nil
	}
	return &c
}

// Resolve applies res to the conflict described by info. cloud is the
// decoded remote version of the note.
func (r *Resolver) Resolve(ctx context.Context, info model.ConflictInfo, cloud *model.Note, res Resolution) (*Outcome, error) {
	if _, err := ParseAction(string(res.Action)); err != nil {
		return nil, err
	}
	if cloud == nil {
		return nil, adapter.NewError(adapter.ErrValidation, "resolve conflict", errors.New("cloud version missing"))
	}
	if cloud.ID != info.NoteID {
		return nil, adapter.NewError(adapter.ErrValidation, "resolve conflict",
			fmt.Errorf("cloud note %s does not match conflict %s", cloud.ID, info.NoteID))
	}
	local := info.LocalVersion.Clone()
	out := &Outcome{Action: res.Action}

	if res.SaveConflictCopy {
		var loser *model.Note
		switch res.Action {
		case KeepLocal:
			loser = copyOf(cloud, r.newID(), cloudCopySuffix)
		case UseCloud:
			loser = copyOf(&local, r.newID(), localCopySuffix)
		}
		if loser != nil {
			if err := r.store.WriteNote(ctx, loser); err != nil {
				return nil, fmt.Errorf("save conflict copy: %w", err)
			}
			out.CopyID = loser.ID
			r.logger.Info("conflict copy saved", zap.String("note", info.NoteID), zap.String("copy", loser.ID))
		}
	}

	switch res.Action {
	case KeepLocal:
	case UseCloud:
		n := cloud.Clone()
		n.SyncConfig = local.SyncConfig
		n.SyncMetadata = &model.SyncMetadata{
			RemoteID:     info.CloudVersion.RemoteID,
			LastSyncTime: r.now(),
			Status:       model.StatusSynced,
		}
		if n.UpdatedAt < local.UpdatedAt {
			n.UpdatedAt = local.UpdatedAt
		}
		if err := r.store.WriteNote(ctx, &n); err != nil {
			return nil, fmt.Errorf("write cloud version: %w", err)
		}
		out.Overwritten = true
	case CreateBoth:
		suffix := r.newID()[:8]
		for _, v := range []*model.Note{
			copyOf(&local, fmt.Sprintf("%s-conflict-local-%s", info.NoteID, suffix), localCopySuffix),
			copyOf(cloud, fmt.Sprintf("%s-conflict-cloud-%s", info.NoteID, suffix), cloudCopySuffix),
		} {
			if err := r.store.WriteNote(ctx, v); err != nil {
				return nil, fmt.Errorf("write %s: %w", v.ID, err)
			}
			out.Created = append(out.Created, v.ID)
		}
	}
	return out, nil
}
