// Package frame implements the Coroutine/Frame Engine (spec §2.11, §4.11):
// ExecutionFrame/FrameRegistry pause-resume semantics, a commit protocol
// (pending snapshot -> CAS frame update -> finalize), optimistic
// concurrency via a per-frame version counter, and opaque ResumeHandle
// tokens. Grounded on the teacher's engine.Engine abstraction
// (runtime/agent/engine/engine.go): WorkflowContext's SignalChannel and
// Future model the same "cooperative suspension point" idea this package
// expresses as ExecutionFrame status transitions, generalized from a
// Temporal-or-in-memory workflow backend to this spec's single in-process
// engine with snapshot-based pause/resume.
package frame

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agent-runtime/ids"
	"agent-runtime/runtimeerr"
)

// Status is an ExecutionFrame's lifecycle state.
type Status string

const (
	StatusRunning                Status = "running"
	StatusPaused                 Status = "paused"
	StatusCompleted              Status = "completed"
	StatusFailed                 Status = "failed"
	StatusWaitingForIntervention Status = "waiting_for_intervention"
	StatusTerminated             Status = "terminated"
)

// SupervisionPolicy governs how a parallel block's child frames affect
// their parent on failure.
type SupervisionPolicy string

const (
	PolicyOneForOne      SupervisionPolicy = "one_for_one"
	PolicyAllForOne       SupervisionPolicy = "all_for_one"
	PolicyAlwaysContinue SupervisionPolicy = "always_continue" // default
)

// RetryPolicy optionally retries a failed block/frame.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	RetryOn    []string // error kinds eligible for retry; empty means any
}

// FrameError records an error recovered non-fatally at a step boundary
// (spec §4.11 "frame.error").
type FrameError struct {
	Kind                string
	ToolName            string
	ToolArgs            map[string]any
	AtBlock             string
	InterventionSnapshotID string
	Message             string
}

// ExecutionFrame is one node in the coroutine tree (spec §3.1
// "ExecutionFrame").
type ExecutionFrame struct {
	ID                string
	ParentID          string
	AgentID           string
	BlockPointer      int
	BlockStack        []any
	Status            Status
	DesiredStatus     Status // set by pause_coroutine, applied at next step boundary
	ContextSnapshotID string
	Children          []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	OriginalContent   string
	Error             *FrameError
	Version           int
	Supervision       SupervisionPolicy
	Retry             RetryPolicy
}

// Snapshot is an immutable point-in-time capture of a frame's variable pool
// and message buckets, addressed by ID. The payload type is left generic
// (any) since its shape belongs to the caller (agent/context package); the
// frame engine only needs to move it atomically.
type Snapshot struct {
	ID      string
	FrameID string
	Version int
	Payload any
}

// SnapshotStore persists snapshots with a two-phase pending/finalized
// commit protocol (spec §4.11 "commit protocol").
type SnapshotStore struct {
	mu        sync.Mutex
	pending   map[string]Snapshot
	finalized map[string]Snapshot
}

// NewSnapshotStore constructs an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{pending: make(map[string]Snapshot), finalized: make(map[string]Snapshot)}
}

// WritePending stores a snapshot in the pending area; it is not visible via
// Get until Finalize is called.
func (s *SnapshotStore) WritePending(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[snap.ID] = snap
}

// Finalize atomically promotes a pending snapshot to visible/finalized.
func (s *SnapshotStore) Finalize(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.pending[id]
	if !ok {
		return fmt.Errorf("frame: no pending snapshot %q to finalize", id)
	}
	delete(s.pending, id)
	s.finalized[id] = snap
	return nil
}

// DiscardPending deletes an orphaned pending snapshot (crash-recovery GC,
// spec §4.11 "orphan pending snapshots are deleted").
func (s *SnapshotStore) DiscardPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Get retrieves a finalized snapshot.
func (s *SnapshotStore) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.finalized[id]
	return snap, ok
}

// ResumeHandle is an opaque, single/limited-use token authorizing a resume
// (spec §4.11 "ResumeHandle security").
type ResumeHandle struct {
	FrameID      string
	SnapshotID   string
	FrameVersion int
	OwnerID      string
	Scope        string
	ExpiresAt    time.Time
	usesLeft     int
}

// Registry tracks the frame tree and coordinates pause/resume/terminate
// with a short per-frame lock scoped only to CAS + finalize (spec §4.11
// "Concurrency").
type Registry struct {
	mu       sync.Mutex
	frames   map[string]*ExecutionFrame
	locks    map[string]*sync.Mutex
	snapshots *SnapshotStore
}

// NewRegistry constructs an empty frame Registry backed by store.
func NewRegistry(store *SnapshotStore) *Registry {
	return &Registry{frames: make(map[string]*ExecutionFrame), locks: make(map[string]*sync.Mutex), snapshots: store}
}

func (r *Registry) lockFor(frameID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[frameID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[frameID] = l
	}
	return l
}

// StartCoroutine creates and registers a root frame in the running state,
// with an initial snapshot.
func (r *Registry) StartCoroutine(agentID, originalContent string, initialPayload any) *ExecutionFrame {
	frameID := ids.NewFrameID()
	snapID := ids.NewSnapshotID()
	now := time.Now()
	frame := &ExecutionFrame{
		ID:                frameID,
		AgentID:           agentID,
		Status:            StatusRunning,
		ContextSnapshotID: snapID,
		CreatedAt:         now,
		UpdatedAt:         now,
		OriginalContent:   originalContent,
		Version:           0,
		Supervision:       PolicyAlwaysContinue,
	}
	r.snapshots.WritePending(Snapshot{ID: snapID, FrameID: frameID, Version: 0, Payload: initialPayload})
	_ = r.snapshots.Finalize(snapID)

	r.mu.Lock()
	r.frames[frameID] = frame
	r.mu.Unlock()
	return frame
}

// Get retrieves a frame by ID.
func (r *Registry) Get(frameID string) (*ExecutionFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.frames[frameID]
	return f, ok
}

// StepFunc executes exactly one atomic unit of work for a frame given its
// restored context payload, returning the updated payload, whether the
// coroutine is now fully done, and an error. A *runtimeerr.ToolInterrupt
// error triggers the intervention path rather than propagating.
type StepFunc func(ctx context.Context, frame *ExecutionFrame, restored any) (next any, done bool, err error)

// StepCoroutine restores the frame's context, runs one atomic step via
// step, and commits the result using the pending/CAS/finalize protocol
// (spec §4.11). Returns a ResumeHandle when the step could not complete
// without intervention (either a cooperative pause or a ToolInterrupt);
// otherwise returns nil, nil on normal completion of the step (not
// necessarily of the whole coroutine; callers loop until done).
func (r *Registry) StepCoroutine(ctx context.Context, frameID string, step StepFunc) (*ResumeHandle, error) {
	lock := r.lockFor(frameID)

	r.mu.Lock()
	f, ok := r.frames[frameID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("frame: unknown frame %q", frameID)
	}

	snap, ok := r.snapshots.Get(f.ContextSnapshotID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSnapshotCorrupt, "frame: missing finalized snapshot "+f.ContextSnapshotID)
	}

	if f.DesiredStatus == StatusPaused {
		return r.pauseAtBoundary(lock, f, snap)
	}

	next, done, err := step(ctx, f, snap.Payload)

	var toolInterrupt *runtimeerr.ToolInterrupt
	if ti, ok := runtimeerr.AsToolInterrupt(err); ok {
		toolInterrupt = ti
	}

	newSnapID := ids.NewSnapshotID()
	newSnap := Snapshot{ID: newSnapID, FrameID: frameID, Version: f.Version + 1, Payload: next}
	r.snapshots.WritePending(newSnap)

	lock.Lock()
	defer lock.Unlock()

	if err := r.casUpdate(f, newSnap); err != nil {
		r.snapshots.DiscardPending(newSnapID)
		return nil, err
	}
	if err := r.snapshots.Finalize(newSnapID); err != nil {
		return nil, err
	}

	switch {
	case toolInterrupt != nil:
		f.Status = StatusWaitingForIntervention
		f.Error = &FrameError{
			Kind:                   "ToolInterrupt",
			ToolName:               toolInterrupt.Tool,
			ToolArgs:               toolInterrupt.Args,
			AtBlock:                fmt.Sprintf("%d", f.BlockPointer),
			InterventionSnapshotID: newSnapID,
		}
		return &ResumeHandle{FrameID: frameID, SnapshotID: newSnapID, FrameVersion: f.Version, Scope: "resume", usesLeft: 1, ExpiresAt: time.Now().Add(time.Hour)}, nil
	case err != nil:
		f.Status = StatusFailed
		f.Error = &FrameError{Kind: "Error", Message: err.Error()}
		return nil, err
	case done:
		f.Status = StatusCompleted
		return nil, nil
	default:
		return nil, nil
	}
}

// casUpdate applies optimistic-concurrency-checked mutations to f, bumping
// Version and pointing ContextSnapshotID at newSnap. It is the only place
// that mutates frame state outside construction, and must run under the
// frame's short lock.
func (r *Registry) casUpdate(f *ExecutionFrame, newSnap Snapshot) error {
	if newSnap.Version != f.Version+1 {
		return &runtimeerr.Conflict{FrameID: f.ID, ExpectedVersion: f.Version + 1, ActualVersion: newSnap.Version}
	}
	f.Version = newSnap.Version
	f.ContextSnapshotID = newSnap.ID
	f.UpdatedAt = time.Now()
	return nil
}

func (r *Registry) pauseAtBoundary(lock *sync.Mutex, f *ExecutionFrame, snap Snapshot) (*ResumeHandle, error) {
	lock.Lock()
	defer lock.Unlock()
	f.Status = StatusPaused
	f.DesiredStatus = ""
	f.UpdatedAt = time.Now()
	return &ResumeHandle{FrameID: f.ID, SnapshotID: snap.ID, FrameVersion: f.Version, Scope: "resume", usesLeft: 1, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// PauseCoroutine cooperatively requests a pause: the frame transitions at
// the next step boundary, not immediately.
func (r *Registry) PauseCoroutine(frameID string) (*ResumeHandle, error) {
	r.mu.Lock()
	f, ok := r.frames[frameID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("frame: unknown frame %q", frameID)
	}
	f.DesiredStatus = StatusPaused
	return &ResumeHandle{FrameID: f.ID, SnapshotID: f.ContextSnapshotID, FrameVersion: f.Version, Scope: "resume", usesLeft: 1, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// ValidateResumeHandle rejects mismatched versions (prevents rollback),
// non-resumable status, expired, or exhausted tokens (spec §4.11
// "ResumeHandle security").
func (r *Registry) ValidateResumeHandle(h *ResumeHandle) error {
	f, ok := r.Get(h.FrameID)
	if !ok {
		return fmt.Errorf("frame: unknown frame %q", h.FrameID)
	}
	if h.usesLeft <= 0 {
		return fmt.Errorf("frame: resume handle already used")
	}
	if time.Now().After(h.ExpiresAt) {
		return fmt.Errorf("frame: resume handle expired")
	}
	if f.Version != h.FrameVersion {
		return &runtimeerr.Conflict{FrameID: f.ID, ExpectedVersion: h.FrameVersion, ActualVersion: f.Version}
	}
	if f.Status != StatusPaused && f.Status != StatusWaitingForIntervention {
		return fmt.Errorf("frame: status %q is not resumable", f.Status)
	}
	return nil
}

// ResumeCoroutine validates the handle, applies updates to the restored
// payload via applyUpdates, advances to a new finalized snapshot, and sets
// the frame back to running.
func (r *Registry) ResumeCoroutine(h *ResumeHandle, updates map[string]any, applyUpdates func(payload any, updates map[string]any) any) (*ExecutionFrame, error) {
	if err := r.ValidateResumeHandle(h); err != nil {
		return nil, err
	}
	h.usesLeft--

	f, _ := r.Get(h.FrameID)
	snap, ok := r.snapshots.Get(h.SnapshotID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSnapshotCorrupt, "frame: missing snapshot for resume")
	}

	newPayload := snap.Payload
	if applyUpdates != nil {
		newPayload = applyUpdates(snap.Payload, updates)
	}

	newSnapID := ids.NewSnapshotID()
	newSnap := Snapshot{ID: newSnapID, FrameID: f.ID, Version: f.Version + 1, Payload: newPayload}
	r.snapshots.WritePending(newSnap)

	lock := r.lockFor(f.ID)
	lock.Lock()
	defer lock.Unlock()
	if err := r.casUpdate(f, newSnap); err != nil {
		r.snapshots.DiscardPending(newSnapID)
		return nil, err
	}
	if err := r.snapshots.Finalize(newSnapID); err != nil {
		return nil, err
	}
	f.Status = StatusRunning
	f.Error = nil
	return f, nil
}

// Terminate cancels a frame and all of its children, propagating the
// Terminated status through the tree.
func (r *Registry) Terminate(frameID string) {
	r.mu.Lock()
	f, ok := r.frames[frameID]
	r.mu.Unlock()
	if !ok {
		return
	}
	children := append([]string{}, f.Children...)
	f.Status = StatusTerminated
	f.UpdatedAt = time.Now()
	for _, child := range children {
		r.Terminate(child)
	}
}

// SpawnChild registers a new child frame under parentID, used by `parallel`
// block execution (spec §4.9, §4.11).
func (r *Registry) SpawnChild(parentID, agentID string, initialPayload any, supervision SupervisionPolicy, retry RetryPolicy) *ExecutionFrame {
	child := r.StartCoroutine(agentID, "", initialPayload)
	child.ParentID = parentID
	child.Supervision = supervision
	child.Retry = retry

	r.mu.Lock()
	if parent, ok := r.frames[parentID]; ok {
		parent.Children = append(parent.Children, child.ID)
	}
	r.mu.Unlock()
	return child
}
