// Package conflict decides whether two replicas of a note with the same
// timestamp really diverge, and applies the user's resolution.
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/notestore"
)

// FetchFunc returns the raw remote body of a snapshot.
type FetchFunc func(ctx context.Context, snap model.CloudNoteSnapshot) ([]byte, error)

// Detector compares a local note with its remote counterpart.
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a Detector.
func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger}
}

// Detect fetches the remote body and returns a ConflictInfo when its
// content differs from local, or nil when both carry the same content.
func (d *Detector) Detect(ctx context.Context, local *model.Note, snap model.CloudNoteSnapshot, fetch FetchFunc) (*model.ConflictInfo, *model.Note, error) {
	body, err := fetch(ctx, snap)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch remote %s: %w", snap.ID, err)
	}
	cloud, err := DecodeRemote(body)
	if err != nil {
		return nil, nil, err
	}
	if SameContent(local, cloud) {
		return nil, cloud, nil
	}

	info := &model.ConflictInfo{
		NoteID:         local.ID,
		NoteName:       local.Title,
		LocalVersion:   local.Clone(),
		CloudVersion:   snap,
		LocalUpdatedAt: local.UpdatedAt,
		CloudUpdatedAt: snap.UpdatedAt,
		Diff:           Summarize(Text(local), Text(cloud)),
	}
	d.logger.Info("conflict detected",
		zap.String("note", local.ID),
		zap.Int64("updatedAt", local.UpdatedAt),
		zap.Int("inserted", info.Diff.Inserted),
		zap.Int("deleted", info.Diff.Deleted))
	return info, cloud, nil
}

// DecodeRemote parses a remote note body. A body of the form
// {"note": {...}} is unwrapped once.
func DecodeRemote(data []byte) (*model.Note, error) {
	var env struct {
		Note json.RawMessage `json:"note"`
	}
	if err := json.Unmarshal(data, &env); err == nil {
		if inner := bytes.TrimSpace(env.Note); len(inner) > 0 && inner[0] == '{' {
			data = inner
		}
	}
	return notestore.Decode(data)
}

type pageContent struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	Tags      []string         `json:"tags"`
	Bookmarks []model.Bookmark `json:"bookmarks"`
}

type noteContent struct {
	Title string        `json:"title"`
	Pages []pageContent `json:"pages"`
}

// canonical drops sync bookkeeping and timestamps so only what the user
// wrote is compared.
func canonical(n *model.Note) []byte {
	c := noteContent{Title: n.Title, Pages: make([]pageContent, 0, len(n.Pages))}
	for _, p := range n.Pages {
		pc := pageContent{ID: p.ID, Title: p.Title, Content: p.Content, Tags: p.Tags, Bookmarks: p.Bookmarks}
		if len(pc.Tags) == 0 {
			pc.Tags = nil
		}
		if len(pc.Bookmarks) == 0 {
			pc.Bookmarks = nil
		}
		c.Pages = append(c.Pages, pc)
	}
	out, _ := json.Marshal(c)
	return out
}

// SameContent reports whether two notes carry identical user content.
func SameContent(a, b *model.Note) bool {
	return bytes.Equal(canonical(a), canonical(b))
}

// ContentChanged reports whether a page hash differs from the hash
// recorded at its last sync. A page never synced has changed.
func ContentChanged(localHash, syncedHash string) bool {
	return localHash != syncedHash
}

// Text renders a note as plain text for diffing.
func Text(n *model.Note) string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString("\n")
	for _, p := range n.Pages {
		b.WriteString("\n## ")
		b.WriteString(p.Title)
		b.WriteString("\n")
		b.WriteString(p.Content)
		if len(p.Tags) > 0 {
			b.WriteString("\n#")
			b.WriteString(strings.Join(p.Tags, " #"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Summarize counts inserted, deleted and unchanged characters going from
// local to cloud.
func Summarize(local, cloud string) model.DiffSummary {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(local, cloud, false))
	var s model.DiffSummary
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			s.Inserted += n
		case diffmatchpatch.DiffDelete:
			s.Deleted += n
		case diffmatchpatch.DiffEqual:
			s.Equal += n
		}
	}
	return s
}
