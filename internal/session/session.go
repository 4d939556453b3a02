// Package session tracks one record per in-flight download: its state
// machine, progress counters and temp-resource handle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-gateway/internal/media"
)

// ID is an opaque, unguessable session identifier.
type ID string

// NewID returns a random (v4) identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// State is a session lifecycle state.
type State string

const (
	Created   State = "created"
	Acquiring State = "acquiring"
	Merging   State = "merging"
	Ready     State = "ready"
	Serving   State = "serving"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// forward lists the non-failure edges. Failed and Cancelled are reachable
// from every non-terminal state.
var forward = map[State][]State{
	Created:   {Acquiring, Serving},
	Acquiring: {Merging},
	Merging:   {Ready},
	Ready:     {Serving},
	Serving:   {Completed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed || to == Cancelled {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is returned for edges outside the state machine,
	// including any attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrTerminal is returned when work is requested on a finished session.
	ErrTerminal = errors.New("session is terminal")
)

// Kind is the pipeline that owns a session.
type Kind = media.PipelineKind

// Snapshot is a consistent, copy-out view of a session.
type Snapshot struct {
	ID                 ID         `json:"session_id"`
	Pipeline           Kind       `json:"pipeline"`
	State              State      `json:"state"`
	BytesTransferred   int64      `json:"bytes_transferred"`
	TotalBytes         *int64     `json:"total_bytes"`
	Failure            string     `json:"failure,omitempty"`
	Error              string     `json:"error,omitempty"`
	Filename           string     `json:"filename,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastClientActivity time.Time  `json:"last_client_activity"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// Session is owned by the Registry. All mutations are atomic under the
// session's own mutex; readers only ever see complete states via Snapshot.
type Session struct {
	id        ID
	kind      Kind
	createdAt time.Time
	now       func() time.Time

	mu           sync.Mutex
	state        State
	failure      error
	bytes        int64
	total        int64
	totalKnown   bool
	updatedAt    time.Time
	lastActivity time.Time
	finishedAt   time.Time
	filename     string
	tempDir      string
	artifact     string
	artifactSize int64
	reclaimReq   bool
	reclaimed    bool
	cancel       context.CancelFunc
	work         sync.WaitGroup
	onTerminal   []func(Snapshot)
}

func newSession(id ID, kind Kind, now func() time.Time) *Session {
	t := now()
	return &Session{
		id:           id,
		kind:         kind,
		createdAt:    t,
		now:          now,
		state:        Created,
		updatedAt:    t,
		lastActivity: t,
	}
}

// ID returns the session identifier.
func (s *Session) ID() ID { return s.id }

// Kind returns the owning pipeline.
func (s *Session) Kind() Kind { return s.kind }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a consistent copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:                 s.id,
		Pipeline:           s.kind,
		State:              s.state,
		BytesTransferred:   s.bytes,
		Filename:           s.filename,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
		LastClientActivity: s.lastActivity,
	}
	if s.totalKnown {
		total := s.total
		snap.TotalBytes = &total
	}
	if s.failure != nil {
		snap.Failure = media.KindOf(s.failure)
		snap.Error = s.failure.Error()
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Transition moves the session along a legal non-failure edge.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	from := s.state
	if to == Failed || to == Cancelled || !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	s.state = to
	s.updatedAt = s.now()
	finish := s.finishLocked()
	cancel := s.cancel
	s.mu.Unlock()

	if to == Completed && cancel != nil {
		cancel()
	}
	finish()
	return nil
}

// Fail moves a non-terminal session to Failed, recording cause. It reports
// whether this call terminated the session; a terminal session is left as is.
func (s *Session) Fail(cause error) bool {
	return s.terminate(Failed, cause)
}

// Cancel moves a non-terminal session to Cancelled and signals its worker.
func (s *Session) Cancel(cause error) bool {
	if cause == nil {
		cause = media.ErrCancelled
	}
	return s.terminate(Cancelled, cause)
}

func (s *Session) terminate(to State, cause error) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.failure = cause
	s.updatedAt = s.now()
	finish := s.finishLocked()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	finish()
	return true
}

// finishLocked stamps terminal bookkeeping and hands back the hooks to run
// once the lock is released. Caller must hold s.mu.
func (s *Session) finishLocked() func() {
	if !s.state.Terminal() {
		return func() {}
	}
	s.finishedAt = s.updatedAt
	s.reclaimReq = true
	snap := s.snapshotLocked()
	hooks := s.onTerminal
	s.onTerminal = nil
	return func() {
		for _, h := range hooks {
			h(snap)
		}
	}
}

// OnTerminal registers fn to run exactly once when the session reaches a
// terminal state. If it already has, fn runs immediately.
func (s *Session) OnTerminal(fn func(Snapshot)) {
	s.mu.Lock()
	if s.state.Terminal() {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		fn(snap)
		return
	}
	s.onTerminal = append(s.onTerminal, fn)
	s.mu.Unlock()
}

// Bind attaches the cancel function of the session's worker context.
func (s *Session) Bind(cancel context.CancelFunc) {
	s.mu.Lock()
	terminal := s.state.Terminal()
	if !terminal {
		s.cancel = cancel
	}
	s.mu.Unlock()
	if terminal {
		cancel()
	}
}

// BeginWork registers an active worker (acquisition, merge or reader). The
// returned func must be called when the worker stops touching the session's
// temp resource. It fails once the session is terminal.
func (s *Session) BeginWork() (done func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil, ErrTerminal
	}
	s.work.Add(1)
	var once sync.Once
	return func() { once.Do(s.work.Done) }, nil
}

// WaitIdle waits up to timeout for every worker to finish. It must only be
// called on terminal sessions, where no new work can begin.
func (s *Session) WaitIdle(timeout time.Duration) bool {
	idle := make(chan struct{})
	go func() {
		s.work.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return true
	case <-time.After(timeout):
		return false
	}
}

// AddBytes adds n transferred bytes.
func (s *Session) AddBytes(n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.bytes += n
	s.updatedAt = s.now()
	s.mu.Unlock()
}

// SetTotal records the expected size; n < 0 marks it unknown.
func (s *Session) SetTotal(n int64) {
	s.mu.Lock()
	s.total, s.totalKnown = n, n >= 0
	s.updatedAt = s.now()
	s.mu.Unlock()
}

// ResetProgress starts a new progress phase with the given total.
func (s *Session) ResetProgress(total int64) {
	s.mu.Lock()
	s.bytes = 0
	s.total, s.totalKnown = total, total >= 0
	s.updatedAt = s.now()
	s.mu.Unlock()
}

// Touch records client activity (a poll or a sink read).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// LastActivity returns the last client activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetFilename sets the attachment name offered on serve.
func (s *Session) SetFilename(name string) {
	s.mu.Lock()
	s.filename = name
	s.mu.Unlock()
}

// SetTempDir records the session's temp resource directory.
func (s *Session) SetTempDir(dir string) {
	s.mu.Lock()
	s.tempDir = dir
	s.mu.Unlock()
}

// TempDir returns the temp resource directory, or "" when none.
func (s *Session) TempDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempDir
}

// SetArtifact records the merged output.
func (s *Session) SetArtifact(path string, size int64) {
	s.mu.Lock()
	s.artifact, s.artifactSize = path, size
	s.mu.Unlock()
}

// Artifact returns the merged output path and size.
func (s *Session) Artifact() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact, s.artifactSize
}

// ReclaimPending reports whether the session is terminal with a temp
// resource that has not been reclaimed yet.
func (s *Session) ReclaimPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimReq && !s.reclaimed && s.tempDir != ""
}

// MarkReclaimed records that the temp resource is gone.
func (s *Session) MarkReclaimed() {
	s.mu.Lock()
	s.reclaimed = true
	s.mu.Unlock()
}

// FinishedAt returns when the session became terminal, or zero.
func (s *Session) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

// Err returns the terminal cause, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
