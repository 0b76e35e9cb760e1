package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"video-segmentation/internal/engine"
)

// maxFrame bounds a single message. A 4K logit map for a handful of objects
// fits comfortably.
const maxFrame = 512 << 20

const (
	opInitState      = "init_state"
	opAddPoints      = "add_points"
	opResetObject    = "reset_object"
	opResetState     = "reset_state"
	opPropagateStart = "propagate_start"
	opPropagateNext  = "propagate_next"
	opPropagateClose = "propagate_close"
	opRelease        = "release"
)

type request struct {
	ID             uint64       `msgpack:"id"`
	Op             string       `msgpack:"op"`
	State          string       `msgpack:"state,omitempty"`
	Sequence       string       `msgpack:"sequence,omitempty"`
	FramesDir      string       `msgpack:"frames_dir,omitempty"`
	FrameCount     int          `msgpack:"frame_count,omitempty"`
	FrameIndex     int          `msgpack:"frame_index"`
	ObjectID       int          `msgpack:"object_id"`
	Points         [][2]float32 `msgpack:"points,omitempty"`
	Labels         []int32      `msgpack:"labels,omitempty"`
	ClearOldPoints bool         `msgpack:"clear_old_points"`
}

// wireMask carries logits as little-endian float32 bytes so the worker can
// ship a numpy buffer without per-value encoding.
type wireMask struct {
	ObjectID int    `msgpack:"object_id"`
	Width    int    `msgpack:"width"`
	Height   int    `msgpack:"height"`
	Logits   []byte `msgpack:"logits"`
}

type wireFrame struct {
	FrameIndex int        `msgpack:"frame_index"`
	Objects    []wireMask `msgpack:"objects"`
}

type response struct {
	ID       uint64     `msgpack:"id"`
	OK       bool       `msgpack:"ok"`
	Error    string     `msgpack:"error,omitempty"`
	State    string     `msgpack:"state,omitempty"`
	Sequence string     `msgpack:"sequence,omitempty"`
	Done     bool       `msgpack:"done,omitempty"`
	Frame    *wireFrame `msgpack:"frame,omitempty"`
}

// writeFrame writes v as a msgpack message preceded by its 4-byte big-endian
// length.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one length-prefixed msgpack message into v.
func readFrame(r io.Reader, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxFrame {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return msgpack.Unmarshal(body, v)
}

func (f *wireFrame) toEngine() (engine.FrameMasks, error) {
	out := engine.FrameMasks{FrameIndex: f.FrameIndex, Objects: make([]engine.ObjectMask, 0, len(f.Objects))}
	for _, m := range f.Objects {
		if len(m.Logits) != 4*m.Width*m.Height {
			return engine.FrameMasks{}, fmt.Errorf("object %d: %d logit bytes for %dx%d", m.ObjectID, len(m.Logits), m.Width, m.Height)
		}
		logits := make([]float32, m.Width*m.Height)
		for i := range logits {
			logits[i] = math.Float32frombits(binary.LittleEndian.Uint32(m.Logits[4*i:]))
		}
		out.Objects = append(out.Objects, engine.ObjectMask{
			ObjectID: m.ObjectID,
			Width:    m.Width,
			Height:   m.Height,
			Logits:   logits,
		})
	}
	return out, nil
}
