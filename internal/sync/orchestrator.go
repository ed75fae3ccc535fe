// Package sync reconciles the local note store with a remote provider.
package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/conflict"
	"github.com/jun/gophnote/internal/metrics"
	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/notestore"
)

var (
	// ErrSyncInProgress rejects a run while another is active.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrMeteredNetwork is returned when the account is wifi-only and the
	// current network is metered.
	ErrMeteredNetwork = errors.New("sync skipped on metered network")

	// ErrSizeMismatch means the provider stored a different number of
	// bytes than were sent.
	ErrSizeMismatch = errors.New("remote size does not match local")
)

// Operation names used in ItemError and progress reports.
const (
	OpUpload   = "upload"
	OpDownload = "download"
	OpDetect   = "detect"
)

// RunState is the state of the most recent full sync.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
)

// Settings is read before every run.
type Settings interface {
	SyncSettings(ctx context.Context) (model.SyncSettings, error)
}

// NetworkMonitor reports whether the current connection is metered.
type NetworkMonitor interface {
	Metered(ctx context.Context) (bool, error)
}

// Progress is reported after every transferred note.
type Progress struct {
	Current   int
	Total     int
	Operation string
	NoteID    string
	NoteName  string
}

// ProgressFunc receives progress reports.
type ProgressFunc func(Progress)

// ConflictFunc receives every conflict found by a full sync.
type ConflictFunc func(model.ConflictInfo)

// ItemError is the failure of one note; the run continues past it.
type ItemError struct {
	NoteID string
	Op     string
	Err    error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.NoteID, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// Result summarizes a full sync.
type Result struct {
	Uploaded   []string
	Downloaded []string
	Conflicts  []model.ConflictInfo
	Errors     []ItemError
	Cancelled  bool
}

// Options wire an Orchestrator.
type Options struct {
	Client   adapter.ProviderClient
	Store    notestore.NoteStore
	Settings Settings
	Network  NetworkMonitor
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	OnProgress ProgressFunc
	OnConflict ConflictFunc

	// TempDir holds upload and download staging files. Empty uses os.TempDir.
	TempDir string
}

// Orchestrator runs full, single-note and page syncs for one account.
type Orchestrator struct {
	client     adapter.ProviderClient
	store      notestore.NoteStore
	settings   Settings
	network    NetworkMonitor
	detector   *conflict.Detector
	resolver   *conflict.Resolver
	logger     *zap.Logger
	metrics    *metrics.Metrics
	onProgress ProgressFunc
	onConflict ConflictFunc
	tempDir    string
	precision  time.Duration

	running   atomic.Bool
	cancelled atomic.Bool

	mu       sync.Mutex
	state    RunState
	statuses map[string]model.SyncStatus
	folders  map[string]bool

	now func() int64
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	precision := time.Millisecond
	if p, ok := opts.Client.(interface{ TimePrecision() time.Duration }); ok {
		precision = p.TimePrecision()
	}
	return &Orchestrator{
		client:     opts.Client,
		store:      opts.Store,
		settings:   opts.Settings,
		network:    opts.Network,
		detector:   conflict.NewDetector(logger),
		resolver:   conflict.NewResolver(opts.Store, logger),
		logger:     logger,
		metrics:    opts.Metrics,
		onProgress: opts.OnProgress,
		onConflict: opts.OnConflict,
		tempDir:    tempDir,
		precision:  precision,
		state:      RunIdle,
		statuses:   map[string]model.SyncStatus{},
		folders:    map[string]bool{},
		now:        model.NowMillis,
	}
}

// State returns the run state.
func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setStatus(noteID string, s model.SyncStatus) {
	o.mu.Lock()
	o.statuses[noteID] = s
	o.mu.Unlock()
}

// Status returns the sync status of a note: the status of this process's
// last attempt, else what the note recorded, else not_synced.
func (o *Orchestrator) Status(ctx context.Context, noteID string) model.SyncStatus {
	o.mu.Lock()
	s, ok := o.statuses[noteID]
	o.mu.Unlock()
	if ok {
		return s
	}
	n, err := o.store.ReadNote(ctx, noteID)
	if err == nil && n.SyncMetadata != nil && n.SyncMetadata.Status != "" {
		return n.SyncMetadata.Status
	}
	return model.StatusNotSynced
}

// Cancel asks the running sync to stop before its next item. The item in
// flight completes.
func (o *Orchestrator) Cancel() {
	if o.running.Load() {
		o.cancelled.Store(true)
		o.logger.Info("sync cancellation requested")
	}
}

// settingsFor reads the folder and checks the network policy.
func (o *Orchestrator) settingsFor(ctx context.Context, checkNetwork bool) (model.SyncSettings, error) {
	var s model.SyncSettings
	if o.settings != nil {
		var err error
		if s, err = o.settings.SyncSettings(ctx); err != nil {
			return s, fmt.Errorf("read sync settings: %w", err)
		}
	}
	if s.SyncFolder == "" {
		s.SyncFolder = DefaultFolder
	}
	if checkNetwork && s.WifiOnly && o.network != nil {
		metered, err := o.network.Metered(ctx)
		if err != nil {
			return s, fmt.Errorf("check network: %w", err)
		}
		if metered {
			return s, ErrMeteredNetwork
		}
	}
	return s, nil
}

// begin claims the single run slot.
func (o *Orchestrator) begin() error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	o.cancelled.Store(false)
	return nil
}

func (o *Orchestrator) end() {
	o.running.Store(false)
}

// listCloud returns the note snapshots in folder.
func (o *Orchestrator) listCloud(ctx context.Context, folder string) ([]model.CloudNoteSnapshot, error) {
	objs, err := o.client.ListFiles(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}
	return snapshots(objs), nil
}

// detectTie is the DetectFunc of every plan.
func (o *Orchestrator) detectTie(ctx context.Context, local *model.Note, snap model.CloudNoteSnapshot) (*model.ConflictInfo, error) {
	info, _, err := o.detector.Detect(ctx, local, snap, o.fetch)
	return info, err
}

// FullSync reconciles every note. Uploads run before downloads; per-note
// failures are collected in the result.
func (o *Orchestrator) FullSync(ctx context.Context) (*Result, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	start := time.Now()
	settings, err := o.settingsFor(ctx, true)
	if err != nil {
		return nil, err
	}
	o.setState(RunRunning)
	res, err := o.fullSync(ctx, settings.SyncFolder)

	outcome := string(RunCompleted)
	switch {
	case err != nil:
		outcome = "failed"
		o.setState(RunIdle)
	case res.Cancelled:
		outcome = string(RunCancelled)
		o.setState(RunCancelled)
	default:
		o.setState(RunCompleted)
	}
	o.metrics.Run(outcome, time.Since(start))
	if err != nil {
		return nil, err
	}
	o.logger.Info("sync finished",
		zap.String("outcome", outcome),
		zap.Int("uploaded", len(res.Uploaded)),
		zap.Int("downloaded", len(res.Downloaded)),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (o *Orchestrator) fullSync(ctx context.Context, folder string) (*Result, error) {
	local, err := o.store.GetAllNotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("read local notes: %w", err)
	}
	cloud, err := o.listCloud(ctx, folder)
	if err != nil {
		return nil, err
	}

	plan, conflicts, failed := BuildPlan(ctx, local, cloud, o.precision, o.detectTie)
	res := &Result{Errors: failed}
	for _, e := range failed {
		o.setStatus(e.NoteID, model.StatusError)
		o.logger.Warn("conflict check failed", zap.String("note", e.NoteID), zap.Error(e.Err))
	}
	for _, info := range conflicts {
		o.setStatus(info.NoteID, model.StatusConflict)
		o.metrics.Conflict()
		res.Conflicts = append(res.Conflicts, info)
		if o.onConflict != nil {
			o.onConflict(info)
		}
	}
	for _, id := range plan.InSync {
		o.setStatus(id, model.StatusSynced)
	}
	o.logger.Info("sync plan",
		zap.String("folder", folder),
		zap.Int("upload", len(plan.Upload)),
		zap.Int("download", len(plan.Download)),
		zap.Int("conflict", len(plan.Conflict)),
		zap.Int("inSync", len(plan.InSync)))

	total := plan.Transfers()
	current := 0
	step := func(op string, item model.SyncPlanItem) bool {
		if o.cancelled.Load() || ctx.Err() != nil {
			res.Cancelled = true
			return false
		}
		o.setStatus(item.NoteID, model.StatusSyncing)
		var err error
		name := item.NoteID
		if op == OpUpload {
			name = item.Local.Title
			_, err = o.uploadNote(ctx, folder, item.Local)
		} else {
			var n *model.Note
			n, err = o.downloadNote(ctx, *item.Cloud)
			if n != nil {
				name = n.Title
			}
		}
		if err != nil {
			o.setStatus(item.NoteID, model.StatusError)
			res.Errors = append(res.Errors, ItemError{NoteID: item.NoteID, Op: op, Err: err})
			o.logger.Warn("sync item failed", zap.String("op", op), zap.String("note", item.NoteID), zap.Error(err))
		} else {
			o.setStatus(item.NoteID, model.StatusSynced)
			if op == OpUpload {
				res.Uploaded = append(res.Uploaded, item.NoteID)
			} else {
				res.Downloaded = append(res.Downloaded, item.NoteID)
			}
		}
		current++
		if o.onProgress != nil {
			o.onProgress(Progress{Current: current, Total: total, Operation: op, NoteID: item.NoteID, NoteName: name})
		}
		return true
	}

	for _, item := range plan.Upload {
		if !step(OpUpload, item) {
			return res, nil
		}
	}
	for _, item := range plan.Download {
		if !step(OpDownload, item) {
			return res, nil
		}
	}
	return res, nil
}

// NoteResult is the outcome of SyncNote.
type NoteResult struct {
	// Action is empty when both sides already agree.
	Action   model.SyncAction
	Conflict *model.ConflictInfo
}

// SyncNote reconciles one note without planning the whole collection. It
// shares the run slot with FullSync.
func (o *Orchestrator) SyncNote(ctx context.Context, noteID string) (*NoteResult, error) {
	if err := notestore.ValidateID(noteID); err != nil {
		return nil, err
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()
	settings, err := o.settingsFor(ctx, false)
	if err != nil {
		return nil, err
	}
	local, err := o.store.ReadNote(ctx, noteID)
	if err != nil && !errors.Is(err, notestore.ErrNotFound) {
		return nil, err
	}
	cloud, err := o.listCloud(ctx, settings.SyncFolder)
	if err != nil {
		return nil, err
	}
	var snap *model.CloudNoteSnapshot
	for i := range cloud {
		if cloud[i].ID == noteID {
			snap = &cloud[i]
			break
		}
	}

	var locals []model.Note
	if local != nil {
		locals = []model.Note{*local}
	}
	var snaps []model.CloudNoteSnapshot
	if snap != nil {
		snaps = []model.CloudNoteSnapshot{*snap}
	}
	if local == nil && snap == nil {
		return nil, fmt.Errorf("%s: %w", noteID, notestore.ErrNotFound)
	}

	plan, conflicts, failed := BuildPlan(ctx, locals, snaps, o.precision, o.detectTie)
	if len(failed) > 0 {
		o.setStatus(noteID, model.StatusError)
		return nil, failed[0]
	}
	out := &NoteResult{}
	switch {
	case len(plan.Upload) == 1:
		out.Action = model.ActionUpload
		o.setStatus(noteID, model.StatusSyncing)
		_, err = o.uploadNote(ctx, settings.SyncFolder, local)
	case len(plan.Download) == 1:
		out.Action = model.ActionDownload
		o.setStatus(noteID, model.StatusSyncing)
		_, err = o.downloadNote(ctx, *snap)
	case len(conflicts) == 1:
		out.Action = model.ActionConflict
		out.Conflict = &conflicts[0]
		o.setStatus(noteID, model.StatusConflict)
		if o.onConflict != nil {
			o.onConflict(conflicts[0])
		}
		return out, nil
	}
	if err != nil {
		o.setStatus(noteID, model.StatusError)
		return nil, err
	}
	o.setStatus(noteID, model.StatusSynced)
	return out, nil
}

// ResolveConflict applies a resolution. The cloud version is fetched
// again so the decision is applied to current remote content. With
// keep_local the local version is pushed so both sides converge.
func (o *Orchestrator) ResolveConflict(ctx context.Context, info model.ConflictInfo, res conflict.Resolution) (*conflict.Outcome, error) {
	settings, err := o.settingsFor(ctx, false)
	if err != nil {
		return nil, err
	}
	body, err := o.fetch(ctx, info.CloudVersion)
	if err != nil {
		return nil, err
	}
	cloud, err := conflict.DecodeRemote(body)
	if err != nil {
		return nil, err
	}
	out, err := o.resolver.Resolve(ctx, info, cloud, res)
	if err != nil {
		return nil, err
	}
	if res.Action == conflict.KeepLocal {
		local, err := o.store.ReadNote(ctx, info.NoteID)
		if err != nil {
			return nil, err
		}
		if _, err := o.uploadNote(ctx, settings.SyncFolder, local); err != nil {
			o.setStatus(info.NoteID, model.StatusError)
			return nil, err
		}
	}
	if res.Action == conflict.CreateBoth {
		o.setStatus(info.NoteID, model.StatusConflict)
	} else {
		o.setStatus(info.NoteID, model.StatusSynced)
	}
	o.logger.Info("conflict resolved",
		zap.String("note", info.NoteID),
		zap.String("action", string(res.Action)),
		zap.String("copy", out.CopyID))
	return out, nil
}
