package webrtc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"video-segmentation/internal/models"
	"video-segmentation/internal/service"
	"video-segmentation/internal/stream"
)

type fakeChannel struct {
	mu       sync.Mutex
	buffered uint64
	state    webrtc.DataChannelState
	text     []string
	binary   [][]byte
}

func (f *fakeChannel) BufferedAmount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeChannel) setBuffered(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffered = n
}

func (f *fakeChannel) ReadyState() webrtc.DataChannelState { return f.state }

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) SendText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = append(f.text, s)
	return nil
}

func TestChannelWriter_OneMessagePerFrame(t *testing.T) {
	dc := &fakeChannel{state: webrtc.DataChannelStateOpen}
	var sent atomic.Uint64
	w := newChannelWriter(context.Background(), dc, false, 1024, &sent)

	sink := stream.NewWriter(w, stream.Msgpack)
	for i := 0; i < 3; i++ {
		if err := sink.Frame(models.FrameResult{FrameIndex: i}); err != nil {
			t.Fatal(err)
		}
	}

	if len(dc.binary) != 3 || sent.Load() != 3 {
		t.Fatalf("sent %d messages (counter %d), want 3", len(dc.binary), sent.Load())
	}
	m, err := stream.NewReader(bytes.NewReader(dc.binary[2]), stream.Msgpack).Next()
	if err != nil || m.FrameIndex != 2 {
		t.Errorf("last message = %+v, %v", m, err)
	}
}

func TestChannelWriter_WaitsForDrain(t *testing.T) {
	dc := &fakeChannel{state: webrtc.DataChannelStateOpen, buffered: 4096}
	var sent atomic.Uint64
	w := newChannelWriter(context.Background(), dc, true, 1024, &sent)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte("frame"))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Write() returned while buffer full: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	dc.setBuffered(0)
	w.drained()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write() did not resume after drain")
	}
	if len(dc.text) != 1 || dc.text[0] != "frame" {
		t.Errorf("text = %v", dc.text)
	}
}

func TestChannelWriter_CancelWhileBlocked(t *testing.T) {
	dc := &fakeChannel{state: webrtc.DataChannelStateOpen, buffered: 4096}
	ctx, cancel := context.WithCancel(context.Background())
	var sent atomic.Uint64
	w := newChannelWriter(ctx, dc, true, 1024, &sent)

	cancel()
	if _, err := w.Write([]byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Write() error = %v, want context.Canceled", err)
	}
}

func TestChannelWriter_ClosedChannel(t *testing.T) {
	dc := &fakeChannel{state: webrtc.DataChannelStateClosed}
	var sent atomic.Uint64
	w := newChannelWriter(context.Background(), dc, true, 1024, &sent)

	if _, err := w.Write([]byte("x")); !errors.Is(err, errChannelClosed) {
		t.Errorf("Write() error = %v, want errChannelClosed", err)
	}
}

func TestStreamHandler_UnknownPeer(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := NewStreamHandler(nil, Config{}, logger)

	if err := h.CloseSession("nope"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("CloseSession() error = %v", err)
	}
	if err := h.HandleICECandidate("nope", webrtc.ICECandidateInit{Candidate: "candidate:1"}); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("HandleICECandidate() error = %v", err)
	}
	if got := h.GetSessionStats()["total_active_sessions"]; got != 0 {
		t.Errorf("total_active_sessions = %v", got)
	}
}

// blockingPropagator runs until its context is cancelled.
type blockingPropagator struct {
	started chan struct{}
	ctxErr  chan error
}

func (b *blockingPropagator) Propagate(ctx context.Context, id string, sink service.Sink) (*service.PropagationSummary, error) {
	close(b.started)
	<-ctx.Done()
	b.ctxErr <- ctx.Err()
	return nil, ctx.Err()
}

func TestStreamHandler_CloseCancelsRuns(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	prop := &blockingPropagator{started: make(chan struct{}), ctxErr: make(chan error, 1)}
	h := NewStreamHandler(prop, Config{}, logger)

	pc, err := h.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection() error = %v", err)
	}
	dc, err := pc.CreateDataChannel(ChannelLabel, nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	p := &peer{sessionID: "s1", pc: pc, channel: dc, format: stream.JSON, created: time.Now()}
	h.peers.Store(p.sessionID, p)

	h.start(p)
	select {
	case <-prop.started:
	case <-time.After(2 * time.Second):
		t.Fatal("propagation did not start")
	}

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}
	if err := <-prop.ctxErr; !errors.Is(err, context.Canceled) {
		t.Errorf("propagation context error = %v, want context.Canceled", err)
	}

	// no run starts once the handler is closed
	h.start(p)
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if running {
		t.Error("start() after Close() launched a run")
	}
}
