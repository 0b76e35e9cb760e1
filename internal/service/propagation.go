package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/dto"
	"video-segmentation/internal/engine"
	"video-segmentation/internal/events"
	"video-segmentation/internal/models"
)

// Sink receives a propagation as it happens. Frame is called once per frame
// in engine order and must deliver it before returning; an error means the
// consumer is gone. Exactly one of Done or Fail ends a run that was not
// abandoned by the consumer or cancelled.
type Sink interface {
	Frame(result models.FrameResult) error
	Done(summary PropagationSummary) error
	Fail(code, message string) error
}

// PropagationSummary describes a finished or interrupted run.
type PropagationSummary struct {
	SessionID  string `json:"session_id"`
	StartFrame int    `json:"start_frame"`
	Frames     int    `json:"frames"`
	Objects    int    `json:"objects"`
	Complete   bool   `json:"complete"`
	DurationMS int64  `json:"duration_ms"`
}

// Propagate runs the engine forward over the video and streams each frame to
// sink as soon as it is cached. The previous results are replaced, not
// appended to. An interrupted run leaves the frames produced so far
// queryable.
func (s *SessionService) Propagate(ctx context.Context, id string, sink Sink) (*PropagationSummary, error) {
	session, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer session.op.unlock()
	ctx, untrack := session.track(ctx)
	defer untrack()

	h, err := s.arena.Get(id)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	objects := len(session.objectIDs)
	session.mu.Unlock()
	if objects == 0 {
		return nil, fmt.Errorf("%w: no objects annotated", engine.ErrInvalidState)
	}

	seq, err := h.Propagate(ctx)
	if err != nil {
		return nil, engineError("propagate", err)
	}
	defer seq.Close()

	session.mu.Lock()
	session.results = make(map[int][]models.ObjectMask)
	session.resultsComplete = false
	session.resultsStale = false
	session.status = models.StatusPropagating
	session.updatedAt = time.Now().UTC()
	session.mu.Unlock()

	log := s.log.WithField("session_id", id)
	started := time.Now()
	summary := PropagationSummary{SessionID: id, StartFrame: -1}

	var runErr error
	for {
		fm, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				runErr = ctx.Err()
				break
			}
			runErr = engineError("propagate", err)
			if ferr := sink.Fail(ErrorCode(runErr), runErr.Error()); ferr != nil {
				log.WithError(ferr).Debug("failed to deliver propagation error")
			}
			break
		}

		result, err := encodeFrame(fm)
		if err != nil {
			runErr = engineError("propagate", err)
			if ferr := sink.Fail(ErrorCode(runErr), runErr.Error()); ferr != nil {
				log.WithError(ferr).Debug("failed to deliver propagation error")
			}
			break
		}

		session.mu.Lock()
		if session.deleted {
			session.mu.Unlock()
			runErr = fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			break
		}
		session.results[result.FrameIndex] = result.Results
		session.updatedAt = time.Now().UTC()
		session.mu.Unlock()

		if summary.StartFrame < 0 {
			summary.StartFrame = result.FrameIndex
		}
		summary.Frames++
		if len(result.Results) > summary.Objects {
			summary.Objects = len(result.Results)
		}

		if err := sink.Frame(result); err != nil {
			runErr = fmt.Errorf("%w: %w", ErrClientGone, err)
			break
		}
	}

	summary.Complete = runErr == nil
	summary.DurationMS = time.Since(started).Milliseconds()

	session.mu.Lock()
	session.resultsComplete = summary.Complete
	switch {
	case session.deleted:
	case summary.Complete:
		session.status = models.StatusPropagated
	default:
		session.status = models.StatusAnnotated
	}
	status := session.status
	session.updatedAt = time.Now().UTC()
	session.mu.Unlock()

	s.propagations.Add(1)
	s.audit(ctx, func(ctx context.Context) error {
		if err := s.repo.UpdateSessionStatus(ctx, id, status); err != nil {
			return err
		}
		return s.repo.RecordPropagation(ctx, &dto.PropagationRunDTO{
			SessionID:  id,
			Frames:     summary.Frames,
			Objects:    summary.Objects,
			Complete:   summary.Complete,
			ErrorCode:  ErrorCode(runErr),
			StartedAt:  started.UTC(),
			FinishedAt: time.Now().UTC(),
		})
	})

	fields := map[string]interface{}{"frames": summary.Frames, "objects": summary.Objects}
	if runErr != nil {
		fields["error_code"] = ErrorCode(runErr)
		s.publish(events.PropagationFailed, id, fields)
		log.WithError(runErr).WithField("frames", summary.Frames).Warn("propagation interrupted")
		return &summary, runErr
	}

	s.publish(events.PropagationCompleted, id, fields)
	log.WithFields(logrus.Fields{
		"frames":      summary.Frames,
		"duration_ms": summary.DurationMS,
	}).Info("propagation completed")

	if err := sink.Done(summary); err != nil {
		log.WithError(err).Debug("failed to deliver propagation trailer")
	}
	return &summary, nil
}

// Results is a copy of a session's cached propagation output.
type Results struct {
	SessionID string               `json:"session_id"`
	Frames    []models.FrameResult `json:"frames"`
	Complete  bool                 `json:"complete"`
	Stale     bool                 `json:"stale"`
}

// Range returns the frames whose index lies in [from, to]. A negative to
// means no upper bound.
func (r *Results) Range(from, to int) []models.FrameResult {
	out := make([]models.FrameResult, 0, len(r.Frames))
	for _, f := range r.Frames {
		if f.FrameIndex < from || (to >= 0 && f.FrameIndex > to) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// GetResults returns the cached results ordered by frame index. A run that
// is still going or was interrupted yields its prefix with Complete false.
func (s *SessionService) GetResults(id string) (*Results, error) {
	session, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	session.touch()

	session.mu.Lock()
	defer session.mu.Unlock()
	if len(session.results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, id)
	}

	out := &Results{
		SessionID: id,
		Frames:    make([]models.FrameResult, 0, len(session.results)),
		Complete:  session.resultsComplete,
		Stale:     session.resultsStale,
	}
	for index, masks := range session.results {
		out.Frames = append(out.Frames, models.FrameResult{FrameIndex: index, Results: masks})
	}
	sort.Slice(out.Frames, func(i, j int) bool { return out.Frames[i].FrameIndex < out.Frames[j].FrameIndex })
	return out, nil
}
