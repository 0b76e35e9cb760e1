package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"video-segmentation/internal/models"
)

// opLock serializes engine operations on one session. Waiting honours the
// caller's context.
type opLock chan struct{}

func newOpLock() opLock { return make(opLock, 1) }

func (l opLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l opLock) tryLock() bool {
	select {
	case l <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l opLock) unlock() { <-l }

func (l opLock) held() bool { return len(l) > 0 }

// Session is the server-side state of one video being segmented. The engine
// handle lives in the engine arena under the same id.
type Session struct {
	ID        string
	Owner     string
	Source    string
	Frames    []models.Frame
	Video     *models.VideoInfo
	CreatedAt time.Time

	op opLock

	mu              sync.Mutex
	status          string
	updatedAt       time.Time
	objectIDs       map[int]struct{}
	results         map[int][]models.ObjectMask
	resultsComplete bool
	resultsStale    bool
	deleted         bool
	cancelRun       context.CancelFunc
}

func newSession(id, owner, src string, frames []models.Frame) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Owner:     owner,
		Source:    src,
		Frames:    frames,
		CreatedAt: now,
		op:        newOpLock(),
		status:    models.StatusCreated,
		updatedAt: now,
		objectIDs: make(map[int]struct{}),
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.objectIDs))
	for id := range s.objectIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return models.SessionInfo{
		ID:              s.ID,
		Owner:           s.Owner,
		Source:          s.Source,
		Status:          s.status,
		FrameCount:      len(s.Frames),
		Video:           s.Video,
		ObjectIDs:       ids,
		HasResults:      len(s.results) > 0,
		ResultFrames:    len(s.results),
		ResultsComplete: s.resultsComplete,
		ResultsStale:    s.resultsStale,
		Busy:            s.op.held(),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.updatedAt,
	}
}

// track derives the context of a long-running operation so that Shutdown can
// cancel it. The returned func must be called when the operation ends.
func (s *Session) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancelRun = nil
		s.mu.Unlock()
		cancel()
	}
}

// cancelOp cancels the tracked operation, if any.
func (s *Session) cancelOp() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.updatedAt = time.Now().UTC()
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = time.Now().UTC()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) isDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// SessionStore is the registry of live sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Add registers s. It reports false if the id is taken.
func (st *SessionStore) Add(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ID]; ok {
		return false
	}
	st.sessions[s.ID] = s
	return true
}

func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Remove unregisters id and returns the session it held.
func (st *SessionStore) Remove(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	return s, ok
}

func (st *SessionStore) Has(id string) bool {
	_, ok := st.Get(id)
	return ok
}

// List returns the sessions ordered by creation time.
func (st *SessionStore) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
