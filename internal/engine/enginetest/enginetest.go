// Package enginetest provides a deterministic in-memory engine for tests.
//
// Every foreground click paints a disk of Radius pixels and every background
// click erases one. During propagation each object drifts Drift pixels to the
// right per frame so successive frames differ.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"video-segmentation/internal/engine"
)

// ErrInjected is returned by a sequence when FailAt is reached.
var ErrInjected = errors.New("injected engine failure")

// Engine is an engine.Engine whose masks are computed from the clicks.
type Engine struct {
	Width, Height int
	Radius        int
	Drift         int
	// FailAt makes propagation fail when it reaches this frame index. Negative
	// disables it.
	FailAt int
	// FrameDelay is slept before each propagated frame.
	FrameDelay time.Duration
	// InitErr is returned by InitState when set.
	InitErr error
	// Shared makes InitState return the same handle every time.
	Shared bool

	mu       sync.Mutex
	live     map[*Handle]struct{}
	shared   *Handle
	inits    int
	released int
	closed   bool
}

// New returns an engine producing width x height masks.
func New(width, height int) *Engine {
	return &Engine{Width: width, Height: height, Radius: 3, Drift: 1, FailAt: -1}
}

func (e *Engine) InitState(ctx context.Context, framesDir string, frameCount int) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("engine closed")
	}
	if e.InitErr != nil {
		return nil, e.InitErr
	}
	if frameCount <= 0 {
		return nil, fmt.Errorf("no frames in %s", framesDir)
	}
	e.inits++
	if e.Shared && e.shared != nil {
		return e.shared, nil
	}
	h := &Handle{
		engine:     e,
		FramesDir:  framesDir,
		frameCount: frameCount,
		objects:    make(map[int]map[int][]click),
		lastFrame:  -1,
	}
	if e.live == nil {
		e.live = make(map[*Handle]struct{})
	}
	e.live[h] = struct{}{}
	if e.Shared {
		e.shared = h
	}
	return h, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Live returns the number of handles not yet released.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Inits returns how many times InitState succeeded.
func (e *Engine) Inits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inits
}

func (e *Engine) release(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.live[h]; ok {
		delete(e.live, h)
		e.released++
	}
}

type click struct {
	x, y  float32
	label engine.Label
}

// Handle is one session's click history.
type Handle struct {
	engine     *Engine
	FramesDir  string
	frameCount int

	mu        sync.Mutex
	objects   map[int]map[int][]click // object -> frame -> clicks
	lastFrame int
}

func (h *Handle) AddPoints(ctx context.Context, req engine.PointsRequest) (engine.FrameMasks, error) {
	if err := ctx.Err(); err != nil {
		return engine.FrameMasks{}, err
	}
	if req.FrameIndex < 0 || req.FrameIndex >= h.frameCount {
		return engine.FrameMasks{}, fmt.Errorf("frame %d out of range", req.FrameIndex)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	frames, ok := h.objects[req.ObjectID]
	if !ok {
		frames = make(map[int][]click)
		h.objects[req.ObjectID] = frames
	}
	if req.ClearOldPoints {
		frames[req.FrameIndex] = nil
	}
	for i, p := range req.Points {
		frames[req.FrameIndex] = append(frames[req.FrameIndex], click{x: p.X, y: p.Y, label: req.Labels[i]})
	}
	h.lastFrame = req.FrameIndex

	return h.masksLocked(req.FrameIndex, 0), nil
}

func (h *Handle) ResetObject(ctx context.Context, objectID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.objects, objectID)
	return nil
}

func (h *Handle) ResetAll(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects = make(map[int]map[int][]click)
	h.lastFrame = -1
	return nil
}

func (h *Handle) Release(ctx context.Context) error {
	h.engine.release(h)
	return nil
}

func (h *Handle) Propagate(ctx context.Context) (engine.Sequence, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastFrame < 0 {
		return nil, errors.New("no points added")
	}
	return &sequence{handle: h, start: h.lastFrame, next: h.lastFrame}, nil
}

// masksLocked renders every object from its clicks on frame-offset, shifted
// right by offset frames of drift. Objects without clicks there are empty.
func (h *Handle) masksLocked(frame, offset int) engine.FrameMasks {
	ids := make([]int, 0, len(h.objects))
	for id := range h.objects {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	e := h.engine
	out := engine.FrameMasks{FrameIndex: frame}
	for _, id := range ids {
		clicks := h.objects[id][frame-offset]
		logits := make([]float32, e.Width*e.Height)
		for i := range logits {
			logits[i] = -1
		}
		shift := float32(offset * e.Drift)
		for _, c := range clicks {
			v := float32(-1)
			if c.label == engine.LabelForeground {
				v = 1
			}
			paint(logits, e.Width, e.Height, c.x+shift, c.y, e.Radius, v)
		}
		out.Objects = append(out.Objects, engine.ObjectMask{
			ObjectID: id,
			Width:    e.Width,
			Height:   e.Height,
			Logits:   logits,
		})
	}
	return out
}

func paint(logits []float32, w, h int, cx, cy float32, r int, v float32) {
	r2 := float32(r * r)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float32(x)-cx, float32(y)-cy
			if dx*dx+dy*dy <= r2 {
				logits[y*w+x] = v
			}
		}
	}
}

type sequence struct {
	handle *Handle
	start  int
	next   int
	closed bool
}

func (s *sequence) Next(ctx context.Context) (engine.FrameMasks, error) {
	if s.closed || s.next >= s.handle.frameCount {
		return engine.FrameMasks{}, io.EOF
	}
	e := s.handle.engine
	if e.FrameDelay > 0 {
		select {
		case <-ctx.Done():
			return engine.FrameMasks{}, ctx.Err()
		case <-time.After(e.FrameDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return engine.FrameMasks{}, err
	}
	if e.FailAt >= 0 && s.next == e.FailAt {
		return engine.FrameMasks{}, fmt.Errorf("%w at frame %d", ErrInjected, s.next)
	}

	s.handle.mu.Lock()
	fm := s.handle.masksLocked(s.next, s.next-s.start)
	s.handle.mu.Unlock()
	s.next++
	return fm, nil
}

func (s *sequence) Close() error {
	s.closed = true
	return nil
}
