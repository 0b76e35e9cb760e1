// Package worker runs the segmentation model in an external process and
// drives it over stdin/stdout with length-prefixed msgpack messages.
//
// Every request carries an id and a single reader goroutine routes responses
// back to the caller waiting on that id, so sessions only contend on the pipe
// write. Propagation is pulled one frame at a time.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/engine"
)

var (
	// ErrWorkerExited is returned for calls pending or issued after the
	// worker process exits.
	ErrWorkerExited = errors.New("engine worker exited")
	// ErrRemote wraps an error reported by the worker process.
	ErrRemote = errors.New("engine worker error")
)

// Config describes how to launch the worker process.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// StopTimeout is how long Close waits for the process after closing its
	// stdin before killing it.
	StopTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Engine is an engine.Engine backed by a worker process.
type Engine struct {
	cfg    Config
	log    logrus.FieldLogger
	cmd    *exec.Cmd
	cancel context.CancelFunc

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	pending map[uint64]chan response
	nextID  atomic.Uint64

	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// Start launches the worker process.
func Start(cfg Config) (*Engine, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "engine-worker"),
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		pending: make(map[uint64]chan response),
		exited:  make(chan struct{}),
	}
	e.log.WithFields(logrus.Fields{"pid": cmd.Process.Pid, "command": cfg.Command}).Info("engine worker started")

	e.wg.Add(3)
	go e.readResponses(stdout)
	go e.logStderr(stderr)
	go e.waitProcess()
	return e, nil
}

func (e *Engine) markExited(err error) {
	e.exitOnce.Do(func() {
		e.exitErr = err
		close(e.exited)
	})
}

func (e *Engine) readResponses(stdout io.Reader) {
	defer e.wg.Done()
	r := bufio.NewReaderSize(stdout, 1<<20)
	for {
		var resp response
		if err := readFrame(r, &resp); err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.WithError(err).Error("failed to read worker response")
			}
			e.markExited(err)
			return
		}
		e.mu.Lock()
		ch, ok := e.pending[resp.ID]
		delete(e.pending, resp.ID)
		e.mu.Unlock()
		if !ok {
			e.log.WithField("id", resp.ID).Debug("dropping response for abandoned request")
			continue
		}
		ch <- resp
	}
}

func (e *Engine) logStderr(stderr io.Reader) {
	defer e.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		entry := e.log.WithField("log", line)
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			entry.Error("engine worker error")
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			entry.Warn("engine worker warning")
		case strings.Contains(line, "[INFO]"):
			entry.Info("engine worker")
		default:
			entry.Debug("engine worker")
		}
	}
	if err := scanner.Err(); err != nil {
		e.log.WithError(err).Error("error reading worker stderr")
	}
}

func (e *Engine) waitProcess() {
	defer e.wg.Done()
	err := e.cmd.Wait()
	if err != nil {
		e.log.WithError(err).Warn("engine worker process exited")
	} else {
		e.log.Info("engine worker process exited")
	}
	if err == nil {
		err = io.EOF
	}
	e.markExited(err)
}

func (e *Engine) call(ctx context.Context, req request) (response, error) {
	select {
	case <-e.exited:
		return response{}, fmt.Errorf("%w: %v", ErrWorkerExited, e.exitErr)
	default:
	}

	req.ID = e.nextID.Add(1)
	ch := make(chan response, 1)
	e.mu.Lock()
	e.pending[req.ID] = ch
	e.mu.Unlock()

	e.writeMu.Lock()
	err := writeFrame(e.stdin, req)
	e.writeMu.Unlock()
	if err != nil {
		e.forget(req.ID)
		return response{}, fmt.Errorf("%w: write %s: %v", ErrWorkerExited, req.Op, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, fmt.Errorf("%w: %s: %s", ErrRemote, req.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		e.forget(req.ID)
		return response{}, ctx.Err()
	case <-e.exited:
		e.forget(req.ID)
		return response{}, fmt.Errorf("%w: %v", ErrWorkerExited, e.exitErr)
	}
}

func (e *Engine) forget(id uint64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// InitState asks the worker to load framesDir into a new inference state.
func (e *Engine) InitState(ctx context.Context, framesDir string, frameCount int) (engine.Handle, error) {
	resp, err := e.call(ctx, request{Op: opInitState, FramesDir: framesDir, FrameCount: frameCount})
	if err != nil {
		return nil, err
	}
	if resp.State == "" {
		return nil, fmt.Errorf("%w: init_state returned no state id", ErrRemote)
	}
	return &handle{engine: e, state: resp.State}, nil
}

// Close closes the worker's stdin, waits for it to exit and kills it after
// StopTimeout.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.writeMu.Lock()
		_ = e.stdin.Close()
		e.writeMu.Unlock()

		select {
		case <-e.exited:
		case <-time.After(e.cfg.StopTimeout):
			e.log.Warn("engine worker did not exit, killing")
			e.cancel()
		}
		e.wg.Wait()
		e.cancel()
	})
	return nil
}

// Alive reports whether the worker process is still running.
func (e *Engine) Alive() bool {
	select {
	case <-e.exited:
		return false
	default:
		return true
	}
}

// Pending returns the number of requests awaiting a response.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

type handle struct {
	engine *Engine
	state  string
}

func (h *handle) AddPoints(ctx context.Context, req engine.PointsRequest) (engine.FrameMasks, error) {
	points := make([][2]float32, len(req.Points))
	for i, p := range req.Points {
		points[i] = [2]float32{p.X, p.Y}
	}
	labels := make([]int32, len(req.Labels))
	for i, l := range req.Labels {
		labels[i] = int32(l)
	}
	resp, err := h.engine.call(ctx, request{
		Op:             opAddPoints,
		State:          h.state,
		FrameIndex:     req.FrameIndex,
		ObjectID:       req.ObjectID,
		Points:         points,
		Labels:         labels,
		ClearOldPoints: req.ClearOldPoints,
	})
	if err != nil {
		return engine.FrameMasks{}, err
	}
	if resp.Frame == nil {
		return engine.FrameMasks{}, fmt.Errorf("%w: add_points returned no frame", ErrRemote)
	}
	return resp.Frame.toEngine()
}

func (h *handle) ResetObject(ctx context.Context, objectID int) error {
	_, err := h.engine.call(ctx, request{Op: opResetObject, State: h.state, ObjectID: objectID})
	return err
}

func (h *handle) ResetAll(ctx context.Context) error {
	_, err := h.engine.call(ctx, request{Op: opResetState, State: h.state})
	return err
}

func (h *handle) Release(ctx context.Context) error {
	_, err := h.engine.call(ctx, request{Op: opRelease, State: h.state})
	return err
}

func (h *handle) Propagate(ctx context.Context) (engine.Sequence, error) {
	resp, err := h.engine.call(ctx, request{Op: opPropagateStart, State: h.state})
	if err != nil {
		return nil, err
	}
	return &sequence{handle: h, id: resp.Sequence}, nil
}

type sequence struct {
	handle *handle
	id     string
	done   bool
}

func (s *sequence) Next(ctx context.Context) (engine.FrameMasks, error) {
	if s.done {
		return engine.FrameMasks{}, io.EOF
	}
	resp, err := s.handle.engine.call(ctx, request{Op: opPropagateNext, State: s.handle.state, Sequence: s.id})
	if err != nil {
		return engine.FrameMasks{}, err
	}
	if resp.Done {
		s.done = true
		return engine.FrameMasks{}, io.EOF
	}
	if resp.Frame == nil {
		return engine.FrameMasks{}, fmt.Errorf("%w: propagate_next returned no frame", ErrRemote)
	}
	return resp.Frame.toEngine()
}

// Close ends the sequence on the worker. A sequence that already reached its
// end is not sent.
func (s *sequence) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	// the caller's context may already be cancelled when a client goes away
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.handle.engine.call(ctx, request{Op: opPropagateClose, State: s.handle.state, Sequence: s.id})
	return err
}
