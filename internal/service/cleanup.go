package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionReaper deletes sessions left idle longer than a TTL and, on start,
// removes frame directories that no live session owns.
type SessionReaper struct {
	svc          *SessionService
	ttl          time.Duration
	interval     time.Duration
	orphanMaxAge time.Duration
	log          logrus.FieldLogger
	done         chan struct{}
}

func NewSessionReaper(svc *SessionService, ttl, interval, orphanMaxAge time.Duration) *SessionReaper {
	return &SessionReaper{
		svc:          svc,
		ttl:          ttl,
		interval:     interval,
		orphanMaxAge: orphanMaxAge,
		log:          svc.log.WithField("component", "session-reaper"),
		done:         make(chan struct{}),
	}
}

// Start sweeps orphaned storage once, then reaps idle sessions every interval
// in the background until ctx is done. It does not block.
func (r *SessionReaper) Start(ctx context.Context) {
	r.SweepOrphans()
	if r.ttl <= 0 {
		r.log.Info("idle session reaper disabled")
		close(r.done)
		return
	}

	r.log.WithFields(logrus.Fields{"ttl": r.ttl.String(), "interval": r.interval.String()}).Info("Started session reaper")
	go r.loop(ctx)
}

// Wait blocks until the background loop started by Start has stopped.
func (r *SessionReaper) Wait() {
	<-r.done
}

func (r *SessionReaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Session reaper stopped")
			return
		case <-ticker.C:
			r.Reap(ctx, time.Now())
		}
	}
}

// Reap deletes sessions idle since before now-ttl. Busy sessions are left
// for a later pass. It returns the number deleted.
func (r *SessionReaper) Reap(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.ttl)
	deleted := 0
	for _, session := range r.svc.store.List() {
		if session.idleSince().After(cutoff) {
			continue
		}
		err := r.svc.DeleteSession(ctx, session.ID)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, ErrSessionBusy), errors.Is(err, ErrSessionNotFound):
		default:
			r.log.WithError(err).WithField("session_id", session.ID).Warn("failed to reap session")
		}
	}
	if deleted > 0 {
		r.log.WithField("count", deleted).Info("Reaped idle sessions")
	}
	return deleted
}

// SweepOrphans removes frame directories older than the orphan age that
// belong to no live or in-progress session.
func (r *SessionReaper) SweepOrphans() int {
	keep := func(id string) bool {
		if r.svc.store.Has(id) {
			return true
		}
		_, creating := r.svc.creating.Load(id)
		return creating
	}
	removed, err := r.svc.frames.Sweep(r.orphanMaxAge, keep)
	if err != nil {
		r.log.WithError(err).Warn("Error sweeping frame directories")
		return 0
	}
	if len(removed) > 0 {
		r.log.WithField("count", len(removed)).Info("Removed orphaned frame directories")
	}
	return len(removed)
}
