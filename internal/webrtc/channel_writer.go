package webrtc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
)

// dataChannel is the subset of *webrtc.DataChannel the writer sends on.
type dataChannel interface {
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
}

// channelWriter turns each Write into one data channel message, waiting
// while the channel's send buffer is above maxBuffered.
type channelWriter struct {
	ctx         context.Context
	dc          dataChannel
	text        bool
	maxBuffered uint64
	low         chan struct{}
	sent        *atomic.Uint64
}

func newChannelWriter(ctx context.Context, dc dataChannel, text bool, maxBuffered uint64, sent *atomic.Uint64) *channelWriter {
	return &channelWriter{
		ctx:         ctx,
		dc:          dc,
		text:        text,
		maxBuffered: maxBuffered,
		low:         make(chan struct{}, 1),
		sent:        sent,
	}
}

// drained is registered as the channel's buffered-amount-low callback.
func (w *channelWriter) drained() {
	select {
	case w.low <- struct{}{}:
	default:
	}
}

func (w *channelWriter) Write(p []byte) (int, error) {
	for w.dc.BufferedAmount() > w.maxBuffered {
		// the low callback can fire between the check and the wait, so poll too
		select {
		case <-w.low:
		case <-time.After(50 * time.Millisecond):
		case <-w.ctx.Done():
			return 0, w.ctx.Err()
		}
	}
	if w.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return 0, errChannelClosed
	}

	var err error
	if w.text {
		err = w.dc.SendText(string(p))
	} else {
		err = w.dc.Send(p)
	}
	if err != nil {
		return 0, err
	}
	w.sent.Add(1)
	return len(p), nil
}
