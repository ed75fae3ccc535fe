package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/notestore"
)

// DefaultDebounce is how long a note must stay unchanged before the
// watcher syncs it.
const DefaultDebounce = 2 * time.Second

// NoteSyncer is the part of Orchestrator the watcher drives.
type NoteSyncer interface {
	SyncNote(ctx context.Context, noteID string) (*NoteResult, error)
}

type pendingSync struct {
	timer *time.Timer
}

// Watcher syncs auto-commit notes shortly after they change on disk.
type Watcher struct {
	dir      string
	store    notestore.NoteStore
	syncer   NoteSyncer
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingSync
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher over the note files in dir.
func NewWatcher(dir string, store notestore.NoteStore, syncer NoteSyncer, debounce time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		store:    store,
		syncer:   syncer,
		debounce: debounce,
		logger:   logger,
		pending:  map[string]*pendingSync{},
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching notes", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))

	defer w.wg.Wait()
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if id := notestore.IDFromPath(ev.Name); id != "" {
				w.schedule(ctx, id)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// schedule (re)starts the debounce timer of a note.
func (w *Watcher) schedule(ctx context.Context, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[id]; ok && p.timer.Stop() {
		p.timer.Reset(w.debounce)
		return
	}
	p := &pendingSync{}
	w.wg.Add(1)
	p.timer = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[id] == p {
			delete(w.pending, id)
		}
		w.mu.Unlock()
		w.handle(ctx, id)
	})
	w.pending[id] = p
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, p := range w.pending {
		if p.timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, id)
	}
}

// handle syncs one changed note if it opted into auto-commit.
func (w *Watcher) handle(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.store.ReadNote(ctx, id)
	if err != nil {
		w.logger.Debug("skip unreadable note", zap.String("note", id), zap.Error(err))
		return
	}
	if !wantsAutoCommit(n) {
		return
	}
	res, err := w.syncer.SyncNote(ctx, id)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		w.logger.Info("full sync running, auto-commit skipped", zap.String("note", id))
	case err != nil:
		w.logger.Warn("auto-commit failed", zap.String("note", id), zap.Error(err))
	case res.Conflict != nil:
		w.logger.Warn("auto-commit found a conflict", zap.String("note", id))
	default:
		w.logger.Info("auto-committed", zap.String("note", id), zap.String("action", string(res.Action)))
	}
}

// wantsAutoCommit reports whether n opted in and changed since its last
// sync. Writing sync metadata after an upload touches the file again; that
// event is ignored here.
func wantsAutoCommit(n *model.Note) bool {
	if n.SyncConfig == nil || !n.SyncConfig.Enabled || !n.SyncConfig.AutoCommit {
		return false
	}
	m := n.SyncMetadata
	return m == nil || m.Status != model.StatusSynced || m.LastSyncTime < n.UpdatedAt
}
