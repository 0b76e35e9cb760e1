package service_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/engine"
	"video-segmentation/internal/engine/enginetest"
	"video-segmentation/internal/events"
	"video-segmentation/internal/framestore"
	"video-segmentation/internal/models"
	"video-segmentation/internal/service"
	"video-segmentation/internal/source"
)

const (
	frameW = 16
	frameH = 12
)

// jpegExtractor writes solid-colour JPEG frames instead of running ffmpeg.
type jpegExtractor struct {
	frames int
	err    error
}

func (e *jpegExtractor) ExtractFrames(ctx context.Context, videoPath, pattern string, fps, quality int) error {
	if e.err != nil {
		return e.err
	}
	img := image.NewRGBA(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	for i := 1; i <= e.frames; i++ {
		f, err := os.Create(fmt.Sprintf(pattern, i))
		if err != nil {
			return err
		}
		if err := jpeg.Encode(f, img, nil); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

// stubEncoder records the PNG sequence it was asked to encode.
type stubEncoder struct {
	mu     sync.Mutex
	pngs   []string
	fps    int
	err    error
	called int
}

func (e *stubEncoder) EncodeAlphaVideo(ctx context.Context, inputPattern string, fps int, outputPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.called++
	if e.err != nil {
		return e.err
	}
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(inputPattern), "*.png"))
	if err != nil {
		return err
	}
	e.pngs = nil
	for _, m := range matches {
		e.pngs = append(e.pngs, filepath.Base(m))
	}
	e.fps = fps
	return os.WriteFile(outputPath, []byte("webm"), 0o644)
}

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedEvents) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
	return nil
}

func (r *recordedEvents) Close() error { return nil }

func (r *recordedEvents) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	svc       *service.SessionService
	engine    *enginetest.Engine
	arena     *engine.Arena
	frames    *framestore.Store
	extractor *jpegExtractor
	encoder   *stubEncoder
	events    *recordedEvents
	video     string
}

func newFixture(t *testing.T, frameCount int) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ex := &jpegExtractor{frames: frameCount}
	store, err := framestore.New(filepath.Join(t.TempDir(), "sessions"), 24, 2, ex, logger)
	if err != nil {
		t.Fatalf("framestore.New() error = %v", err)
	}

	video := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(video, []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := enginetest.New(frameW, frameH)
	arena := engine.NewArena(eng)
	enc := &stubEncoder{}
	rec := &recordedEvents{}

	svc := service.NewSessionService(service.Dependencies{
		Store:   service.NewSessionStore(),
		Frames:  store,
		Sources: source.NewFetcher(source.Options{AllowLocal: true, Logger: logger}),
		Arena:   arena,
		Encoder: enc,
		Events:  rec,
		Logger:  logger,
	})

	return &fixture{
		svc:       svc,
		engine:    eng,
		arena:     arena,
		frames:    store,
		extractor: ex,
		encoder:   enc,
		events:    rec,
		video:     video,
	}
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	info, _, err := f.svc.CreateSession(context.Background(), service.Source{Locator: "file://" + f.video})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return info.ID
}

func (f *fixture) annotate(t *testing.T, id string, object, frame int, x, y float32) *models.FrameResult {
	t.Helper()
	res, err := f.svc.Annotate(context.Background(), id, models.Annotation{
		ObjectID:   object,
		FrameIndex: frame,
		Points:     [][2]float32{{x, y}},
		Labels:     []int{models.LabelForeground},
	})
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	return res
}

// sink collects a propagation. failAfter > 0 makes Frame fail on that call.
type sink struct {
	mu        sync.Mutex
	frames    []models.FrameResult
	done      *service.PropagationSummary
	failCode  string
	failAfter int
	onFrame   func(n int)
}

func (s *sink) Frame(r models.FrameResult) error {
	s.mu.Lock()
	s.frames = append(s.frames, r)
	n := len(s.frames)
	s.mu.Unlock()
	if s.onFrame != nil {
		s.onFrame(n)
	}
	if s.failAfter > 0 && n >= s.failAfter {
		return errors.New("broken pipe")
	}
	return nil
}

func (s *sink) Done(summary service.PropagationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = &summary
	return nil
}

func (s *sink) Fail(code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCode = code
	return nil
}
