package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"video-segmentation/internal/engine"
	"video-segmentation/internal/events"
	"video-segmentation/internal/framestore"
	"video-segmentation/internal/models"
	"video-segmentation/internal/rle"
	"video-segmentation/internal/service"
	"video-segmentation/internal/source"
)

func TestCreateSession(t *testing.T) {
	f := newFixture(t, 5)

	info, frames, err := f.svc.CreateSession(context.Background(), service.Source{Locator: f.video, Owner: "alice"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("len(frames) = %d, want 5", len(frames))
	}
	for i, fr := range frames {
		if fr.Index != i {
			t.Errorf("frames[%d].Index = %d", i, fr.Index)
		}
	}
	if info.Status != models.StatusCreated || info.FrameCount != 5 || info.Owner != "alice" {
		t.Errorf("info = %+v", info)
	}
	if f.arena.Len() != 1 || f.engine.Live() != 1 {
		t.Errorf("arena.Len() = %d, engine.Live() = %d, want 1, 1", f.arena.Len(), f.engine.Live())
	}
	if _, err := os.Stat(filepath.Join(f.frames.Dir(info.ID), "source.mp4")); !os.IsNotExist(err) {
		t.Errorf("source file should be removed after extraction, stat err = %v", err)
	}
	if !f.events.has(events.SessionCreated) {
		t.Error("expected session.created event")
	}
}

func TestCreateSession_FailureRegistersNothing(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture)
		src      func(f *fixture) service.Source
		wantCode string
	}{
		{
			name:     "missing source",
			src:      func(f *fixture) service.Source { return service.Source{Locator: "/does/not/exist.mp4"} },
			wantCode: service.CodeSourceUnavailable,
		},
		{
			name:     "extraction failure",
			setup:    func(f *fixture) { f.extractor.err = errors.New("moov atom not found") },
			src:      func(f *fixture) service.Source { return service.Source{Locator: f.video} },
			wantCode: service.CodeExtractionFailed,
		},
		{
			name:     "no frames",
			setup:    func(f *fixture) { f.extractor.frames = 0 },
			src:      func(f *fixture) service.Source { return service.Source{Locator: f.video} },
			wantCode: service.CodeExtractionFailed,
		},
		{
			name:     "engine init failure",
			setup:    func(f *fixture) { f.engine.InitErr = errors.New("out of memory") },
			src:      func(f *fixture) service.Source { return service.Source{Locator: f.video} },
			wantCode: service.CodeEngineFailure,
		},
		{
			name:     "no locator or upload",
			src:      func(f *fixture) service.Source { return service.Source{} },
			wantCode: service.CodeSourceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, _, err := f.svc.CreateSession(context.Background(), tt.src(f))
			if got := service.ErrorCode(err); got != tt.wantCode {
				t.Fatalf("ErrorCode(%v) = %s, want %s", err, got, tt.wantCode)
			}
			if n := len(f.svc.ListSessions("")); n != 0 {
				t.Errorf("ListSessions() has %d sessions, want 0", n)
			}
			if f.engine.Live() != 0 || f.arena.Len() != 0 {
				t.Errorf("engine.Live() = %d, arena.Len() = %d, want 0", f.engine.Live(), f.arena.Len())
			}
			entries, err := os.ReadDir(f.frames.Root())
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("frame root has %d entries after failure, want 0", len(entries))
			}
		})
	}
}

func TestCreateSession_Upload(t *testing.T) {
	f := newFixture(t, 2)
	file, err := os.Open(f.video)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	info, _, err := f.svc.CreateSession(context.Background(), service.Source{Upload: file, Filename: "clip.MOV"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if info.Source != "upload:clip.MOV" {
		t.Errorf("Source = %q", info.Source)
	}
}

func TestAnnotate(t *testing.T) {
	f := newFixture(t, 4)
	id := f.create(t)

	res := f.annotate(t, id, 1, 2, 5, 5)
	if res.FrameIndex != 2 {
		t.Errorf("FrameIndex = %d, want 2", res.FrameIndex)
	}
	if len(res.Results) != 1 || res.Results[0].ObjectID != 1 {
		t.Fatalf("Results = %+v", res.Results)
	}
	m, err := rle.Decode(res.Results[0].Mask)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.Width != frameW || m.Height != frameH {
		t.Errorf("mask size = %dx%d, want %dx%d", m.Width, m.Height, frameW, frameH)
	}
	if !m.At(5, 5) || m.At(15, 11) {
		t.Error("mask should cover the click and not the far corner")
	}

	// a second object is reported alongside the first
	res = f.annotate(t, id, 2, 2, 12, 8)
	if len(res.Results) != 2 {
		t.Errorf("len(Results) = %d, want 2", len(res.Results))
	}

	info, _ := f.svc.Session(id)
	if info.Status != models.StatusAnnotated {
		t.Errorf("Status = %s, want annotated", info.Status)
	}
	if len(info.ObjectIDs) != 2 {
		t.Errorf("ObjectIDs = %v", info.ObjectIDs)
	}
}

func TestAnnotate_Invalid(t *testing.T) {
	f := newFixture(t, 3)
	id := f.create(t)

	tests := []struct {
		name string
		ann  models.Annotation
	}{
		{"no points", models.Annotation{ObjectID: 1}},
		{"label count", models.Annotation{ObjectID: 1, Points: [][2]float32{{1, 1}}, Labels: []int{1, 0}}},
		{"bad label", models.Annotation{ObjectID: 1, Points: [][2]float32{{1, 1}}, Labels: []int{2}}},
		{"negative coordinate", models.Annotation{ObjectID: 1, Points: [][2]float32{{-1, 1}}, Labels: []int{1}}},
		{"frame out of range", models.Annotation{ObjectID: 1, FrameIndex: 3, Points: [][2]float32{{1, 1}}, Labels: []int{1}}},
		{"negative object", models.Annotation{ObjectID: -1, Points: [][2]float32{{1, 1}}, Labels: []int{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Annotate(context.Background(), id, tt.ann)
			if !errors.Is(err, service.ErrInvalidAnnotation) {
				t.Errorf("Annotate() error = %v, want ErrInvalidAnnotation", err)
			}
		})
	}

	if _, err := f.svc.Annotate(context.Background(), "nope", models.Annotation{}); !errors.Is(err, service.ErrSessionNotFound) {
		t.Errorf("Annotate() on unknown session error = %v", err)
	}
}

func TestAnnotate_ResetObject(t *testing.T) {
	f := newFixture(t, 3)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)

	res, err := f.svc.Annotate(context.Background(), id, models.Annotation{
		ObjectID:    1,
		Points:      [][2]float32{{12, 8}},
		Labels:      []int{models.LabelForeground},
		ResetObject: true,
	})
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	m, _ := rle.Decode(res.Results[0].Mask)
	if m.At(3, 3) {
		t.Error("first click should have been discarded by the object reset")
	}
	if !m.At(12, 8) {
		t.Error("new click should be painted")
	}
}

func TestSessionIsolation(t *testing.T) {
	f := newFixture(t, 6)
	a := f.create(t)
	b := f.create(t)

	f.annotate(t, a, 1, 0, 3, 3)
	f.annotate(t, b, 7, 0, 12, 8)

	if _, err := f.svc.Propagate(context.Background(), a, &sink{}); err != nil {
		t.Fatalf("Propagate(a) error = %v", err)
	}
	if _, err := f.svc.GetResults(b); !errors.Is(err, service.ErrNoResults) {
		t.Errorf("GetResults(b) error = %v, want ErrNoResults", err)
	}

	if err := f.svc.DeleteSession(context.Background(), a); err != nil {
		t.Fatalf("DeleteSession(a) error = %v", err)
	}

	s := &sink{}
	if _, err := f.svc.Propagate(context.Background(), b, s); err != nil {
		t.Fatalf("Propagate(b) error = %v", err)
	}
	for _, fr := range s.frames {
		if len(fr.Results) != 1 || fr.Results[0].ObjectID != 7 {
			t.Fatalf("frame %d of b carries %+v", fr.FrameIndex, fr.Results)
		}
	}
	if f.engine.Live() != 1 {
		t.Errorf("engine.Live() = %d, want 1", f.engine.Live())
	}
}

func TestPropagate_StreamsEveryFrame(t *testing.T) {
	f := newFixture(t, 8)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)

	s := &sink{}
	summary, err := f.svc.Propagate(context.Background(), id, s)
	if err != nil {
		t.Fatalf("Propagate() error = %v", err)
	}
	if len(s.frames) != 8 || summary.Frames != 8 || !summary.Complete {
		t.Fatalf("frames = %d, summary = %+v", len(s.frames), summary)
	}
	for i, fr := range s.frames {
		if fr.FrameIndex != i {
			t.Errorf("frame %d has index %d", i, fr.FrameIndex)
		}
	}
	if s.done == nil || s.failCode != "" {
		t.Errorf("done = %v, failCode = %q", s.done, s.failCode)
	}

	res, err := f.svc.GetResults(id)
	if err != nil {
		t.Fatalf("GetResults() error = %v", err)
	}
	if !res.Complete || res.Stale || len(res.Frames) != 8 {
		t.Errorf("results complete=%v stale=%v frames=%d", res.Complete, res.Stale, len(res.Frames))
	}
	if got := res.Range(2, 4); len(got) != 3 || got[0].FrameIndex != 2 {
		t.Errorf("Range(2, 4) = %d frames", len(got))
	}

	info, _ := f.svc.Session(id)
	if info.Status != models.StatusPropagated {
		t.Errorf("Status = %s", info.Status)
	}
	if !f.events.has(events.PropagationCompleted) {
		t.Error("expected propagation.completed event")
	}
}

func TestPropagate_ReplacesPreviousResults(t *testing.T) {
	f := newFixture(t, 10)
	id := f.create(t)

	f.annotate(t, id, 1, 0, 3, 3)
	if _, err := f.svc.Propagate(context.Background(), id, &sink{}); err != nil {
		t.Fatal(err)
	}

	f.annotate(t, id, 1, 6, 3, 3)
	info, _ := f.svc.Session(id)
	if !info.ResultsStale {
		t.Error("results should be stale after a new annotation")
	}

	if _, err := f.svc.Propagate(context.Background(), id, &sink{}); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.GetResults(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Frames) != 4 {
		t.Fatalf("len(Frames) = %d, want 4", len(res.Frames))
	}
	if res.Frames[0].FrameIndex != 6 {
		t.Errorf("first frame = %d, want 6", res.Frames[0].FrameIndex)
	}
	if res.Stale {
		t.Error("fresh results should not be stale")
	}
}

func TestPropagate_NothingAnnotated(t *testing.T) {
	f := newFixture(t, 3)
	id := f.create(t)

	_, err := f.svc.Propagate(context.Background(), id, &sink{})
	if got := service.ErrorCode(err); got != service.CodeInvalidSessionState {
		t.Errorf("ErrorCode(%v) = %s, want %s", err, got, service.CodeInvalidSessionState)
	}
}

func TestPropagate_EngineFailureKeepsPrefix(t *testing.T) {
	f := newFixture(t, 10)
	f.engine.FailAt = 3
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)

	s := &sink{}
	summary, err := f.svc.Propagate(context.Background(), id, s)
	if !errors.Is(err, service.ErrEngineFailure) {
		t.Fatalf("Propagate() error = %v, want ErrEngineFailure", err)
	}
	if s.failCode != service.CodeEngineFailure {
		t.Errorf("failCode = %q", s.failCode)
	}
	if s.done != nil {
		t.Error("Done must not be sent after Fail")
	}
	if summary.Complete || summary.Frames != 3 {
		t.Errorf("summary = %+v", summary)
	}

	res, err := f.svc.GetResults(id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete || len(res.Frames) != 3 {
		t.Errorf("results complete=%v frames=%d, want false, 3", res.Complete, len(res.Frames))
	}
	if !f.events.has(events.PropagationFailed) {
		t.Error("expected propagation.failed event")
	}
}

func TestPropagate_ConsumerGone(t *testing.T) {
	f := newFixture(t, 10)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)

	_, err := f.svc.Propagate(context.Background(), id, &sink{failAfter: 2})
	if !errors.Is(err, service.ErrClientGone) {
		t.Fatalf("Propagate() error = %v, want ErrClientGone", err)
	}
	if service.ErrorCode(err) != service.CodeCancelled {
		t.Errorf("ErrorCode() = %s", service.ErrorCode(err))
	}

	res, err := f.svc.GetResults(id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete || len(res.Frames) != 2 {
		t.Errorf("results complete=%v frames=%d, want false, 2", res.Complete, len(res.Frames))
	}
	info, _ := f.svc.Session(id)
	if info.Status != models.StatusAnnotated || info.Busy {
		t.Errorf("Status = %s, Busy = %v", info.Status, info.Busy)
	}
}

func TestPropagate_Cancelled(t *testing.T) {
	f := newFixture(t, 10)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)

	ctx, cancel := context.WithCancel(context.Background())
	s := &sink{onFrame: func(n int) {
		if n == 4 {
			cancel()
		}
	}}
	_, err := f.svc.Propagate(ctx, id, s)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Propagate() error = %v, want context.Canceled", err)
	}
	if s.failCode != "" {
		t.Errorf("cancelled run should not report failure, got %q", s.failCode)
	}

	res, err := f.svc.GetResults(id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete || len(res.Frames) != 4 {
		t.Errorf("results complete=%v frames=%d, want false, 4", res.Complete, len(res.Frames))
	}

	// the handle is still usable
	if _, err := f.svc.Propagate(context.Background(), id, &sink{}); err != nil {
		t.Errorf("Propagate() after cancel error = %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, 4)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)
	dir := f.frames.Dir(id)

	if err := f.svc.DeleteSession(context.Background(), id); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if f.engine.Live() != 0 || f.arena.Len() != 0 {
		t.Errorf("engine.Live() = %d, arena.Len() = %d", f.engine.Live(), f.arena.Len())
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("frame directory still present: %v", err)
	}
	if _, err := f.svc.GetResults(id); !errors.Is(err, service.ErrSessionNotFound) {
		t.Errorf("GetResults() error = %v", err)
	}
	if err := f.svc.DeleteSession(context.Background(), id); !errors.Is(err, service.ErrSessionNotFound) {
		t.Errorf("second DeleteSession() error = %v", err)
	}
	if !f.events.has(events.SessionDeleted) {
		t.Error("expected session.deleted event")
	}
}

func TestDeleteSession_BusyDuringPropagation(t *testing.T) {
	f := newFixture(t, 10)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := &sink{onFrame: func(int) {
		once.Do(func() { close(started) })
		<-release
	}}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Propagate(context.Background(), id, s)
		done <- err
	}()

	<-started
	if err := f.svc.DeleteSession(context.Background(), id); !errors.Is(err, service.ErrSessionBusy) {
		t.Errorf("DeleteSession() error = %v, want ErrSessionBusy", err)
	}
	info, _ := f.svc.Session(id)
	if !info.Busy || info.Status != models.StatusPropagating {
		t.Errorf("Busy = %v, Status = %s", info.Busy, info.Status)
	}
	// the prefix is visible while the run is going
	if res, err := f.svc.GetResults(id); err != nil || res.Complete {
		t.Errorf("GetResults() during run = %+v, %v", res, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Propagate() error = %v", err)
	}
	if err := f.svc.DeleteSession(context.Background(), id); err != nil {
		t.Errorf("DeleteSession() after run error = %v", err)
	}
}

func TestResetSession(t *testing.T) {
	f := newFixture(t, 5)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)
	if _, err := f.svc.Propagate(context.Background(), id, &sink{}); err != nil {
		t.Fatal(err)
	}

	info, err := f.svc.ResetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("ResetSession() error = %v", err)
	}
	if info.Status != models.StatusCreated || len(info.ObjectIDs) != 0 || !info.ResultsStale {
		t.Errorf("info = %+v", info)
	}
	if f.engine.Live() != 1 || f.engine.Inits() != 2 {
		t.Errorf("engine.Live() = %d, Inits() = %d, want 1, 2", f.engine.Live(), f.engine.Inits())
	}

	_, err = f.svc.Propagate(context.Background(), id, &sink{})
	if service.ErrorCode(err) != service.CodeInvalidSessionState {
		t.Errorf("Propagate() after reset error = %v", err)
	}

	// annotation works on the fresh state
	res := f.annotate(t, id, 3, 1, 10, 6)
	if len(res.Results) != 1 || res.Results[0].ObjectID != 3 {
		t.Errorf("Results = %+v", res.Results)
	}
}

func TestRender_SkipsFramesMissingEitherSide(t *testing.T) {
	f := newFixture(t, 4)
	id := f.create(t)
	f.annotate(t, id, 1, 1, 5, 5)
	if _, err := f.svc.Propagate(context.Background(), id, &sink{}); err != nil {
		t.Fatal(err)
	}
	// results cover {1, 2, 3}; keep only frames {1, 2} on disk
	for _, index := range []int{0, 3} {
		if err := os.Remove(filepath.Join(f.frames.Dir(id), framestore.FrameName(index))); err != nil {
			t.Fatal(err)
		}
	}

	r, err := f.svc.Render(context.Background(), id)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	defer os.Remove(r.Path)

	if r.Frames != 2 {
		t.Errorf("Frames = %d, want 2", r.Frames)
	}
	if len(r.Skipped) != 1 || r.Skipped[0] != 3 {
		t.Errorf("Skipped = %v, want [3]", r.Skipped)
	}
	if len(f.encoder.pngs) != 2 || f.encoder.pngs[0] != "00001.png" || f.encoder.pngs[1] != "00002.png" {
		t.Errorf("encoded %v", f.encoder.pngs)
	}
	if r.FPS != 24 || r.ContentType != "video/webm" {
		t.Errorf("rendering = %+v", r)
	}
	if _, err := os.Stat(r.Path); err != nil {
		t.Errorf("rendered file missing: %v", err)
	}
	info, _ := f.svc.Session(id)
	if info.Status != models.StatusComposited {
		t.Errorf("Status = %s", info.Status)
	}
}

func TestRender_Errors(t *testing.T) {
	f := newFixture(t, 3)
	id := f.create(t)

	if _, err := f.svc.Render(context.Background(), id); !errors.Is(err, service.ErrNoResults) {
		t.Errorf("Render() without results error = %v", err)
	}

	f.annotate(t, id, 1, 0, 3, 3)
	if _, err := f.svc.Propagate(context.Background(), id, &sink{}); err != nil {
		t.Fatal(err)
	}
	f.encoder.err = errors.New("libvpx-vp9 not found")
	_, err := f.svc.Render(context.Background(), id)
	if service.ErrorCode(err) != service.CodeRenderFailed {
		t.Errorf("Render() error = %v, want RENDER_FAILED", err)
	}
	if _, err := f.svc.Render(context.Background(), "missing"); !errors.Is(err, service.ErrSessionNotFound) {
		t.Errorf("Render() on unknown session error = %v", err)
	}
}

func TestEndToEnd_TwoObjects(t *testing.T) {
	const frames = 120
	f := newFixture(t, frames)
	id := f.create(t)

	f.annotate(t, id, 1, 0, 3, 3)
	f.annotate(t, id, 2, 0, 3, 9)

	s := &sink{}
	if _, err := f.svc.Propagate(context.Background(), id, s); err != nil {
		t.Fatalf("Propagate() error = %v", err)
	}
	if len(s.frames) != frames {
		t.Fatalf("streamed %d frames, want %d", len(s.frames), frames)
	}

	res, err := f.svc.GetResults(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Frames) != frames {
		t.Fatalf("cached %d frames, want %d", len(res.Frames), frames)
	}
	for _, fr := range res.Frames {
		if len(fr.Results) != 2 {
			t.Fatalf("frame %d has %d objects", fr.FrameIndex, len(fr.Results))
		}
		for _, obj := range fr.Results {
			m, err := rle.Decode(obj.Mask)
			if err != nil {
				t.Fatalf("frame %d object %d: %v", fr.FrameIndex, obj.ObjectID, err)
			}
			if m.Width != frameW || m.Height != frameH {
				t.Fatalf("frame %d object %d is %dx%d", fr.FrameIndex, obj.ObjectID, m.Width, m.Height)
			}
		}
	}

	r, err := f.svc.Render(context.Background(), id)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	defer os.Remove(r.Path)
	if r.Frames != frames || len(r.Skipped) != 0 {
		t.Errorf("Frames = %d, Skipped = %v", r.Frames, r.Skipped)
	}

	if err := f.svc.DeleteSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if f.engine.Live() != 0 {
		t.Errorf("engine.Live() = %d", f.engine.Live())
	}
}

func TestReaper(t *testing.T) {
	f := newFixture(t, 3)
	id := f.create(t)
	reaper := service.NewSessionReaper(f.svc, time.Hour, time.Minute, time.Hour)

	if n := reaper.Reap(context.Background(), time.Now()); n != 0 {
		t.Errorf("Reap(now) = %d, want 0", n)
	}
	if n := reaper.Reap(context.Background(), time.Now().Add(2*time.Hour)); n != 1 {
		t.Errorf("Reap(now+2h) = %d, want 1", n)
	}
	if _, err := f.svc.Session(id); !errors.Is(err, service.ErrSessionNotFound) {
		t.Errorf("Session() error = %v", err)
	}
}

func TestReaper_SweepOrphans(t *testing.T) {
	f := newFixture(t, 3)
	live := f.create(t)

	orphan := filepath.Join(f.frames.Root(), "orphan")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{orphan, f.frames.Dir(live)} {
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatal(err)
		}
	}

	reaper := service.NewSessionReaper(f.svc, time.Hour, time.Minute, time.Hour)
	if n := reaper.SweepOrphans(); n != 1 {
		t.Errorf("SweepOrphans() = %d, want 1", n)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan directory should be removed")
	}
	if _, err := os.Stat(f.frames.Dir(live)); err != nil {
		t.Errorf("live session directory removed: %v", err)
	}
}

func TestReaper_StartDoesNotBlock(t *testing.T) {
	f := newFixture(t, 3)
	reaper := service.NewSessionReaper(f.svc, 2*time.Hour, 5*time.Minute, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		reaper.Start(ctx)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() blocked")
	}

	cancel()
	stopped := make(chan struct{})
	go func() {
		reaper.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after cancel")
	}
}

func TestReaper_DisabledStartReturns(t *testing.T) {
	f := newFixture(t, 3)
	reaper := service.NewSessionReaper(f.svc, 0, time.Minute, time.Hour)
	reaper.Start(context.Background())
	reaper.Wait()
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, 3)
	f.create(t)
	f.create(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if f.engine.Live() != 0 || len(f.svc.ListSessions("")) != 0 {
		t.Errorf("engine.Live() = %d, sessions = %d", f.engine.Live(), len(f.svc.ListSessions("")))
	}
	_, _, err := f.svc.CreateSession(context.Background(), service.Source{Locator: f.video})
	if !errors.Is(err, service.ErrShuttingDown) {
		t.Errorf("CreateSession() after shutdown error = %v", err)
	}
}

func TestShutdown_RunningPropagationKeepsHandle(t *testing.T) {
	f := newFixture(t, 10)
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)
	dir := f.frames.Dir(id)

	entered := make(chan struct{})
	release := make(chan struct{})
	s := &sink{onFrame: func(n int) {
		if n == 1 {
			close(entered)
			<-release
		}
	}}
	runErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Propagate(context.Background(), id, s)
		runErr <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.svc.Shutdown(ctx); !errors.Is(err, service.ErrSessionBusy) {
		t.Errorf("Shutdown() error = %v, want ErrSessionBusy", err)
	}
	if f.engine.Live() != 1 {
		t.Errorf("engine.Live() = %d while propagation runs, want 1", f.engine.Live())
	}

	close(release)
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Propagate() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Propagate() did not return after shutdown")
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.engine.Live() != 0 || len(f.svc.ListSessions("")) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("engine.Live() = %d, sessions = %d after the run ended", f.engine.Live(), len(f.svc.ListSessions("")))
		}
		time.Sleep(10 * time.Millisecond)
	}
	for {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frames of %s were not purged", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdown_CancelsIdleWaitingPropagation(t *testing.T) {
	f := newFixture(t, 10)
	f.engine.FrameDelay = 20 * time.Millisecond
	id := f.create(t)
	f.annotate(t, id, 1, 0, 3, 3)

	started := make(chan struct{})
	s := &sink{onFrame: func(n int) {
		if n == 1 {
			close(started)
		}
	}}
	runErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Propagate(context.Background(), id, s)
		runErr <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Propagate() error = %v, want context.Canceled", err)
	}
	if f.engine.Live() != 0 || len(f.svc.ListSessions("")) != 0 {
		t.Errorf("engine.Live() = %d, sessions = %d", f.engine.Live(), len(f.svc.ListSessions("")))
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{service.ErrSessionNotFound, service.CodeSessionNotFound},
		{service.ErrSessionBusy, service.CodeSessionBusy},
		{service.ErrNoResults, service.CodeNoResults},
		{rle.ErrMalformedEncoding, service.CodeMalformedEncoding},
		{source.ErrSourceUnavailable, service.CodeSourceUnavailable},
		{framestore.ErrExtractionFailed, service.CodeExtractionFailed},
		{engine.ErrInvalidState, service.CodeInvalidSessionState},
		{service.ErrRenderFailed, service.CodeRenderFailed},
		{context.Canceled, service.CodeCancelled},
		{errors.New("boom"), service.CodeInternal},
	}

	for _, tt := range tests {
		if got := service.ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
