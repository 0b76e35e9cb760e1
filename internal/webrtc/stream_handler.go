// Package webrtc streams propagation results to browsers over a WebRTC data
// channel, as an alternative to the chunked HTTP response.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"video-segmentation/internal/service"
	"video-segmentation/internal/stream"
)

// ChannelLabel is the label of the server-created data channel.
const ChannelLabel = "propagation"

var (
	ErrPeerNotFound  = errors.New("peer connection not found")
	errChannelClosed = errors.New("data channel closed")
)

// Propagator runs a propagation into a sink.
type Propagator interface {
	Propagate(ctx context.Context, id string, sink service.Sink) (*service.PropagationSummary, error)
}

// Config tunes the stream handler.
type Config struct {
	STUNServers []string
	// MaxBuffered pauses sending while the channel holds more than this many
	// bytes; sending resumes once it drains below half.
	MaxBuffered      uint64
	GatheringTimeout time.Duration
}

// StreamHandler manages one peer connection per segmentation session.
type StreamHandler struct {
	propagator Propagator
	api        *webrtc.API
	config     webrtc.Configuration
	cfg        Config
	log        logrus.FieldLogger

	peers sync.Map // map[sessionID]*peer

	// runs derive from ctx; Close cancels it and waits for them
	ctx    context.Context
	stopFn context.CancelFunc
	runMu  sync.Mutex
	closed bool
	runs   sync.WaitGroup
}

type peer struct {
	sessionID string
	pc        *webrtc.PeerConnection
	channel   *webrtc.DataChannel
	format    stream.Format
	created   time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	sent    atomic.Uint64
}

// control is a client message on the data channel.
type control struct {
	Action string `json:"action"` // propagate or cancel
}

func NewStreamHandler(propagator Propagator, cfg Config, logger logrus.FieldLogger) *StreamHandler {
	if cfg.MaxBuffered == 0 {
		cfg.MaxBuffered = 1 << 20
	}
	if cfg.GatheringTimeout == 0 {
		cfg.GatheringTimeout = 5 * time.Second
	}
	config := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &StreamHandler{
		propagator: propagator,
		api:        webrtc.NewAPI(),
		config:     config,
		cfg:        cfg,
		log:        logger.WithField("component", "webrtc"),
		ctx:        ctx,
		stopFn:     stop,
	}
}

// HandleOffer answers a client offer for sessionID. The server opens the
// propagation data channel; with autoStart the run begins as soon as it
// opens, otherwise when the client sends {"action":"propagate"}.
func (h *StreamHandler) HandleOffer(ctx context.Context, sessionID, sdp string, format stream.Format, autoStart bool) (string, error) {
	pc, err := h.api.NewPeerConnection(h.config)
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	ordered := true
	channel, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("failed to create data channel: %w", err)
	}

	p := &peer{sessionID: sessionID, pc: pc, channel: channel, format: format, created: time.Now()}
	if old, loaded := h.peers.Swap(sessionID, p); loaded {
		h.closePeer(old.(*peer))
	}

	log := h.log.WithField("session_id", sessionID)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.WithField("state", state.String()).Debug("peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			h.remove(p)
		}
	})

	channel.OnOpen(func() {
		log.Info("propagation data channel opened")
		if autoStart {
			h.start(p)
		}
	})
	channel.OnClose(func() {
		log.Info("propagation data channel closed")
		p.stop()
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		var c control
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			log.WithError(err).Debug("ignoring malformed control message")
			return
		}
		switch c.Action {
		case "propagate":
			h.start(p)
		case "cancel":
			p.stop()
		default:
			log.WithField("action", c.Action).Debug("ignoring unknown control action")
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		h.remove(p)
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		h.remove(p)
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		h.remove(p)
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	// non-trickle clients need the candidates in the answer
	timer := time.NewTimer(h.cfg.GatheringTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		log.Warn("ICE gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		h.remove(p)
		return "", ctx.Err()
	}

	return pc.LocalDescription().SDP, nil
}

// start launches a propagation unless one is already running for p or the
// handler is closed.
func (h *StreamHandler) start(p *peer) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.closed {
		return
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		defer func() {
			p.mu.Lock()
			p.running = false
			p.cancel = nil
			p.mu.Unlock()
			cancel()
		}()
		h.run(ctx, p)
	}()
}

func (h *StreamHandler) run(ctx context.Context, p *peer) {
	log := h.log.WithField("session_id", p.sessionID)
	w := newChannelWriter(ctx, p.channel, p.format == stream.JSON, h.cfg.MaxBuffered, &p.sent)
	p.channel.SetBufferedAmountLowThreshold(h.cfg.MaxBuffered / 2)
	p.channel.OnBufferedAmountLow(w.drained)

	sink := stream.NewWriter(w, p.format)
	summary, err := h.propagator.Propagate(ctx, p.sessionID, sink)
	if err != nil {
		// a run that never started has not reported anything yet
		if summary == nil {
			if ferr := sink.Fail(service.ErrorCode(err), err.Error()); ferr != nil {
				log.WithError(ferr).Debug("failed to deliver propagation error")
			}
		}
		log.WithError(err).Warn("data channel propagation ended early")
		return
	}
	log.WithField("frames", summary.Frames).Info("data channel propagation completed")
}

// HandleICECandidate adds a trickled client candidate.
func (h *StreamHandler) HandleICECandidate(sessionID string, candidate webrtc.ICECandidateInit) error {
	val, ok := h.peers.Load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, sessionID)
	}
	if err := val.(*peer).pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// CloseSession stops any running propagation and closes the peer.
func (h *StreamHandler) CloseSession(sessionID string) error {
	val, ok := h.peers.Load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, sessionID)
	}
	h.remove(val.(*peer))
	return nil
}

// Close cancels every running propagation, closes every peer and waits for
// the runs to return.
func (h *StreamHandler) Close() {
	h.runMu.Lock()
	h.closed = true
	h.runMu.Unlock()

	h.stopFn()
	h.peers.Range(func(_, value interface{}) bool {
		h.remove(value.(*peer))
		return true
	})
	h.runs.Wait()
}

func (h *StreamHandler) remove(p *peer) {
	h.peers.CompareAndDelete(p.sessionID, p)
	h.closePeer(p)
}

func (h *StreamHandler) closePeer(p *peer) {
	p.stop()
	if err := p.pc.Close(); err != nil {
		h.log.WithError(err).WithField("session_id", p.sessionID).Debug("error closing peer connection")
	}
}

func (p *peer) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// PeerStats describes one peer connection.
type PeerStats struct {
	ConnectionState string `json:"connection_state"`
	ICEState        string `json:"ice_state"`
	ChannelState    string `json:"channel_state"`
	Buffered        uint64 `json:"buffered_bytes"`
	MessagesSent    uint64 `json:"messages_sent"`
	Propagating     bool   `json:"propagating"`
	Age             string `json:"age"`
}

// GetSessionStats returns statistics for every peer.
func (h *StreamHandler) GetSessionStats() map[string]interface{} {
	peers := make(map[string]PeerStats)
	h.peers.Range(func(key, value interface{}) bool {
		p := value.(*peer)
		p.mu.Lock()
		running := p.running
		p.mu.Unlock()
		peers[key.(string)] = PeerStats{
			ConnectionState: p.pc.ConnectionState().String(),
			ICEState:        p.pc.ICEConnectionState().String(),
			ChannelState:    p.channel.ReadyState().String(),
			Buffered:        p.channel.BufferedAmount(),
			MessagesSent:    p.sent.Load(),
			Propagating:     running,
			Age:             time.Since(p.created).Round(time.Second).String(),
		}
		return true
	})
	return map[string]interface{}{
		"total_active_sessions": len(peers),
		"sessions":              peers,
	}
}
