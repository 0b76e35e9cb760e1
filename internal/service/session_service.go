package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"video-segmentation/internal/dto"
	"video-segmentation/internal/engine"
	"video-segmentation/internal/events"
	"video-segmentation/internal/models"
	"video-segmentation/internal/repository"
	"video-segmentation/internal/rle"
	"video-segmentation/internal/source"
	"video-segmentation/pkg/ffmpeg"
)

// FrameStore is the session frame storage.
type FrameStore interface {
	Create(sessionID string) (string, error)
	Extract(ctx context.Context, sessionID, videoPath string) ([]models.Frame, error)
	List(sessionID string) ([]models.Frame, error)
	Dir(sessionID string) string
	Path(sessionID string, index int) (string, error)
	Purge(sessionID string) error
	Sweep(olderThan time.Duration, keep func(sessionID string) bool) ([]string, error)
	FPS() int
}

// Fetcher retrieves source media into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, locator, dstPath string) (int64, error)
	Save(r io.Reader, dstPath string) (int64, error)
}

// VideoEncoder turns numbered RGBA PNGs into an alpha video.
type VideoEncoder interface {
	EncodeAlphaVideo(ctx context.Context, inputPattern string, fps int, outputPath string) error
}

// VideoProber reads source video metadata.
type VideoProber interface {
	GetVideoMetadata(ctx context.Context, videoPath string) (*ffmpeg.VideoInfo, error)
}

// SessionRepository persists the session audit log.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *dto.SessionDTO) error
	GetSessionByID(ctx context.Context, id string) (*dto.SessionDTO, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	MarkDeleted(ctx context.Context, id string) error
	RecordPropagation(ctx context.Context, run *dto.PropagationRunDTO) error
	ListSessionsByOwner(ctx context.Context, owner string) ([]*dto.SessionDTO, error)
}

// Dependencies wires a SessionService. Prober, Events and Repository are
// optional.
type Dependencies struct {
	Store      *SessionStore
	Frames     FrameStore
	Sources    Fetcher
	Arena      *engine.Arena
	Encoder    VideoEncoder
	Prober     VideoProber
	Events     events.Publisher
	Repository SessionRepository
	Logger     logrus.FieldLogger
}

// Source names the media of a new session: either a locator or an upload.
type Source struct {
	Locator  string
	Upload   io.Reader
	Filename string
	Owner    string
}

type SessionService struct {
	store   *SessionStore
	frames  FrameStore
	sources Fetcher
	arena   *engine.Arena
	encoder VideoEncoder
	prober  VideoProber
	events  events.Publisher
	repo    SessionRepository
	log     logrus.FieldLogger

	creating     sync.Map // session ids still being created
	shuttingDown atomic.Bool
	startedAt    time.Time
	propagations atomic.Uint64
	renders      atomic.Uint64
}

func NewSessionService(deps Dependencies) *SessionService {
	if deps.Store == nil {
		deps.Store = NewSessionStore()
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Repository == nil {
		deps.Repository = nopRepository{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &SessionService{
		store:     deps.Store,
		frames:    deps.Frames,
		sources:   deps.Sources,
		arena:     deps.Arena,
		encoder:   deps.Encoder,
		prober:    deps.Prober,
		events:    deps.Events,
		repo:      deps.Repository,
		log:       deps.Logger.WithField("component", "session-service"),
		startedAt: time.Now(),
	}
}

// CreateSession fetches the source, extracts its frames and initializes an
// engine handle. On failure nothing is registered and all storage is purged.
func (s *SessionService) CreateSession(ctx context.Context, src Source) (*models.SessionInfo, []models.Frame, error) {
	if s.shuttingDown.Load() {
		return nil, nil, ErrShuttingDown
	}
	if (src.Locator == "") == (src.Upload == nil) {
		return nil, nil, fmt.Errorf("%w: exactly one of locator or upload is required", source.ErrSourceUnavailable)
	}

	id := uuid.New().String()
	s.creating.Store(id, struct{}{})
	defer s.creating.Delete(id)

	log := s.log.WithField("session_id", id)
	fail := func(err error) (*models.SessionInfo, []models.Frame, error) {
		// the caller's context may be what failed
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rerr := s.arena.Release(cleanupCtx, id); rerr != nil {
			log.WithError(rerr).Warn("failed to release engine handle")
		}
		if perr := s.frames.Purge(id); perr != nil {
			log.WithError(perr).Warn("failed to purge frames")
		}
		log.WithError(err).Warn("session creation failed")
		return nil, nil, err
	}

	dir, err := s.frames.Create(id)
	if err != nil {
		return fail(err)
	}

	srcPath := filepath.Join(dir, "source"+sourceExt(src))
	label := src.Locator
	if src.Upload != nil {
		label = "upload:" + src.Filename
		_, err = s.sources.Save(src.Upload, srcPath)
	} else {
		_, err = s.sources.Fetch(ctx, src.Locator, srcPath)
	}
	if err != nil {
		return fail(err)
	}

	var video *models.VideoInfo
	if s.prober != nil {
		if vi, err := s.prober.GetVideoMetadata(ctx, srcPath); err != nil {
			log.WithError(err).Debug("video probe failed")
		} else {
			video = &models.VideoInfo{Width: vi.Width, Height: vi.Height, Duration: vi.Duration, Codec: vi.Codec}
		}
	}

	frames, err := s.frames.Extract(ctx, id, srcPath)
	if err != nil {
		return fail(err)
	}
	if err := os.Remove(srcPath); err != nil {
		log.WithError(err).Warn("failed to remove source file")
	}

	if _, err := s.arena.Acquire(ctx, id, dir, len(frames)); err != nil {
		return fail(engineError("init_state", err))
	}

	session := newSession(id, src.Owner, label, frames)
	session.Video = video
	if !s.store.Add(session) {
		return fail(fmt.Errorf("session id collision: %s", id))
	}

	info := session.Info()
	s.audit(ctx, func(ctx context.Context) error {
		return s.repo.CreateSession(ctx, &dto.SessionDTO{
			ID:         id,
			Owner:      src.Owner,
			Source:     label,
			Status:     info.Status,
			FrameCount: len(frames),
			CreatedAt:  info.CreatedAt,
			UpdatedAt:  info.UpdatedAt,
		})
	})
	s.publish(events.SessionCreated, id, map[string]interface{}{"frames": len(frames), "source": label})

	log.WithField("frames", len(frames)).Info("session created")
	return &info, frames, nil
}

// acquire looks up a session and takes its operation lock.
func (s *SessionService) acquire(ctx context.Context, id string) (*Session, error) {
	session, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := session.op.lock(ctx); err != nil {
		return nil, err
	}
	if session.isDeleted() {
		session.op.unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, nil
}

// Annotate adds clicks for one object and returns every tracked object's
// mask on the annotated frame. Cached propagation results are kept but
// flagged stale.
func (s *SessionService) Annotate(ctx context.Context, id string, ann models.Annotation) (*models.FrameResult, error) {
	session, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := validateAnnotation(ann, len(session.Frames)); err != nil {
		return nil, err
	}

	session, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer session.op.unlock()

	h, err := s.arena.Get(id)
	if err != nil {
		return nil, err
	}

	if ann.ResetObject {
		if err := h.ResetObject(ctx, ann.ObjectID); err != nil {
			return nil, engineError("reset_object", err)
		}
	}

	req := engine.PointsRequest{
		FrameIndex:     ann.FrameIndex,
		ObjectID:       ann.ObjectID,
		Points:         make([]engine.Point, len(ann.Points)),
		Labels:         make([]engine.Label, len(ann.Labels)),
		ClearOldPoints: ann.ClearOldPoints,
	}
	for i, p := range ann.Points {
		req.Points[i] = engine.Point{X: p[0], Y: p[1]}
		req.Labels[i] = engine.Label(ann.Labels[i])
	}

	fm, err := h.AddPoints(ctx, req)
	if err != nil {
		return nil, engineError("add_points", err)
	}
	result, err := encodeFrame(fm)
	if err != nil {
		return nil, engineError("add_points", err)
	}
	result.FrameIndex = ann.FrameIndex

	session.mu.Lock()
	session.objectIDs[ann.ObjectID] = struct{}{}
	if len(session.results) > 0 {
		session.resultsStale = true
	}
	session.status = models.StatusAnnotated
	session.updatedAt = time.Now().UTC()
	session.mu.Unlock()

	s.audit(ctx, func(ctx context.Context) error {
		return s.repo.UpdateSessionStatus(ctx, id, models.StatusAnnotated)
	})
	s.publish(events.SessionAnnotated, id, map[string]interface{}{
		"object_id":   ann.ObjectID,
		"frame_index": ann.FrameIndex,
		"points":      len(ann.Points),
	})
	return &result, nil
}

func validateAnnotation(ann models.Annotation, frameCount int) error {
	if len(ann.Points) == 0 {
		return fmt.Errorf("%w: at least one point is required", ErrInvalidAnnotation)
	}
	if len(ann.Points) != len(ann.Labels) {
		return fmt.Errorf("%w: %d points with %d labels", ErrInvalidAnnotation, len(ann.Points), len(ann.Labels))
	}
	for i, l := range ann.Labels {
		if l != models.LabelBackground && l != models.LabelForeground {
			return fmt.Errorf("%w: label %d at %d is not 0 or 1", ErrInvalidAnnotation, l, i)
		}
	}
	for i, p := range ann.Points {
		for _, v := range p {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) || v < 0 {
				return fmt.Errorf("%w: point %d is not a pixel coordinate", ErrInvalidAnnotation, i)
			}
		}
	}
	if ann.FrameIndex < 0 || ann.FrameIndex >= frameCount {
		return fmt.Errorf("%w: frame %d outside [0, %d)", ErrInvalidAnnotation, ann.FrameIndex, frameCount)
	}
	if ann.ObjectID < 0 {
		return fmt.Errorf("%w: object id must not be negative", ErrInvalidAnnotation)
	}
	return nil
}

// encodeFrame binarizes and run-length encodes every object of fm.
func encodeFrame(fm engine.FrameMasks) (models.FrameResult, error) {
	out := models.FrameResult{FrameIndex: fm.FrameIndex, Results: make([]models.ObjectMask, 0, len(fm.Objects))}
	for _, obj := range fm.Objects {
		m, err := rle.FromLogits(obj.Logits, obj.Width, obj.Height)
		if err != nil {
			return models.FrameResult{}, fmt.Errorf("object %d: %w", obj.ObjectID, err)
		}
		out.Results = append(out.Results, models.ObjectMask{ObjectID: obj.ObjectID, Mask: rle.Encode(m)})
	}
	return out, nil
}

// ResetSession discards every annotation by resetting the engine state and
// starting over with a fresh handle. Cached results are kept but flagged
// stale.
func (s *SessionService) ResetSession(ctx context.Context, id string) (*models.SessionInfo, error) {
	session, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer session.op.unlock()

	if _, err := s.arena.Reinit(ctx, id); err != nil {
		return nil, engineError("reset_state", err)
	}

	session.mu.Lock()
	session.objectIDs = make(map[int]struct{})
	if len(session.results) > 0 {
		session.resultsStale = true
	}
	session.status = models.StatusCreated
	session.updatedAt = time.Now().UTC()
	session.mu.Unlock()

	s.audit(ctx, func(ctx context.Context) error {
		return s.repo.UpdateSessionStatus(ctx, id, models.StatusCreated)
	})
	s.publish(events.SessionReset, id, nil)

	info := session.Info()
	return &info, nil
}

// DeleteSession releases the engine handle, purges the frames and forgets
// the session. It fails with ErrSessionBusy while an operation is in flight.
func (s *SessionService) DeleteSession(ctx context.Context, id string) error {
	session, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !session.op.tryLock() {
		return fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	defer session.op.unlock()
	if session.isDeleted() {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.teardown(ctx, session)
}

// teardown must be called with the session's operation lock held.
func (s *SessionService) teardown(ctx context.Context, session *Session) error {
	id := session.ID
	s.store.Remove(id)
	session.mu.Lock()
	session.deleted = true
	session.status = models.StatusDeleted
	session.results = nil
	session.mu.Unlock()

	log := s.log.WithField("session_id", id)
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.arena.Release(releaseCtx, id); err != nil {
		log.WithError(err).Warn("failed to release engine handle")
	}
	purgeErr := s.frames.Purge(id)
	if purgeErr != nil {
		log.WithError(purgeErr).Error("failed to purge frames")
	}

	s.audit(ctx, func(ctx context.Context) error { return s.repo.MarkDeleted(ctx, id) })
	s.publish(events.SessionDeleted, id, nil)
	log.Info("session deleted")
	return purgeErr
}

// Session returns a snapshot of one session.
func (s *SessionService) Session(id string) (*models.SessionInfo, error) {
	session, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	info := session.Info()
	return &info, nil
}

// Frames returns the frames of a session.
func (s *SessionService) Frames(id string) ([]models.Frame, error) {
	session, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session.Frames, nil
}

// ListSessions returns snapshots of every live session, optionally only those
// of owner.
func (s *SessionService) ListSessions(owner string) []models.SessionInfo {
	sessions := s.store.List()
	out := make([]models.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		if owner != "" && session.Owner != owner {
			continue
		}
		out = append(out, session.Info())
	}
	return out
}

// FramePath returns the image file of one frame.
func (s *SessionService) FramePath(id string, index int) (string, error) {
	if !s.store.Has(id) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.frames.Path(id, index)
}

// History returns the audit log of owner's sessions, including deleted ones.
func (s *SessionService) History(ctx context.Context, owner string) ([]*dto.SessionDTO, error) {
	return s.repo.ListSessionsByOwner(ctx, owner)
}

// HistoryEntry returns the audit row of one session. With a non-empty owner,
// rows of other owners are reported as missing.
func (s *SessionService) HistoryEntry(ctx context.Context, owner, id string) (*dto.SessionDTO, error) {
	row, err := s.repo.GetSessionByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if owner != "" && row.Owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return row, nil
}

// Stats summarizes the service.
type Stats struct {
	Sessions      int           `json:"sessions"`
	Busy          int           `json:"busy"`
	EngineHandles int           `json:"engine_handles"`
	Propagations  uint64        `json:"propagations"`
	Renders       uint64        `json:"renders"`
	Uptime        string        `json:"uptime"`
	Events        *events.Stats `json:"events,omitempty"`
}

func (s *SessionService) Stats() Stats {
	st := Stats{
		Sessions:      s.store.Len(),
		EngineHandles: s.arena.Len(),
		Propagations:  s.propagations.Load(),
		Renders:       s.renders.Load(),
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
	}
	for _, session := range s.store.List() {
		if session.op.held() {
			st.Busy++
		}
	}
	if p, ok := s.events.(interface{ Stats() events.Stats }); ok {
		es := p.Stats()
		st.Events = &es
	}
	return st
}

// EngineAlive reports whether the segmentation engine is serving requests.
func (s *SessionService) EngineAlive() bool { return s.arena.Alive() }

// Shutdown cancels in-flight propagations and renders, then deletes every
// session. A session whose operation has not returned when ctx expires keeps
// its engine handle and frames until that operation ends, and is reported
// with ErrSessionBusy.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	sessions := s.store.List()
	for _, session := range sessions {
		session.cancelOp()
	}

	var errs []error
	deferred := 0
	for _, session := range sessions {
		if err := session.op.lock(ctx); err != nil {
			s.log.WithField("session_id", session.ID).Warn("session still busy at shutdown, deferring teardown")
			errs = append(errs, fmt.Errorf("%w: %s", ErrSessionBusy, session.ID))
			deferred++
			go s.teardownWhenIdle(session)
			continue
		}
		if !session.isDeleted() {
			errs = append(errs, s.teardown(ctx, session))
		}
		session.op.unlock()
	}

	// busy sessions still own their handles
	if deferred == 0 {
		if err := s.arena.Close(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.events.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// teardownWhenIdle waits for the running operation of session to return, then
// deletes it.
func (s *SessionService) teardownWhenIdle(session *Session) {
	_ = session.op.lock(context.Background())
	defer session.op.unlock()
	if session.isDeleted() {
		return
	}
	if err := s.teardown(context.Background(), session); err != nil {
		s.log.WithError(err).WithField("session_id", session.ID).Warn("deferred teardown failed")
	}
}

func (s *SessionService) publish(eventType, id string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, events.New(eventType, id, data)); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"type": eventType, "session_id": id}).Warn("failed to publish event")
	}
}

func (s *SessionService) audit(ctx context.Context, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.WithError(err).Warn("failed to write session audit log")
	}
}

func sourceExt(src Source) string {
	name := src.Filename
	if name == "" {
		name = src.Locator
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		return ".video"
	}
	if ext == "" {
		return ".video"
	}
	return ext
}

type nopRepository struct{}

func (nopRepository) CreateSession(context.Context, *dto.SessionDTO) error { return nil }

func (nopRepository) GetSessionByID(context.Context, string) (*dto.SessionDTO, error) {
	return nil, repository.ErrNotFound
}

func (nopRepository) UpdateSessionStatus(context.Context, string, string) error { return nil }

func (nopRepository) MarkDeleted(context.Context, string) error { return nil }

func (nopRepository) RecordPropagation(context.Context, *dto.PropagationRunDTO) error { return nil }

func (nopRepository) ListSessionsByOwner(context.Context, string) ([]*dto.SessionDTO, error) {
	return nil, nil
}
