// Package engine defines the narrow contract the session layer uses to drive
// an external video segmentation model, and the bookkeeping that keeps each
// session's model state private to that session.
//
// An Engine creates one Handle per session. A Handle accumulates point
// annotations and produces masks; Propagate walks the video once, forward from
// the last annotated frame. Handles are never shared: Arena owns them keyed by
// session id and Guard makes any use after ResetAll or Release fail fast.
package engine

import "context"

// Label classifies an annotation point.
type Label int32

const (
	LabelBackground Label = 0
	LabelForeground Label = 1
)

// Point is a click in frame pixel coordinates.
type Point struct {
	X float32 `msgpack:"x"`
	Y float32 `msgpack:"y"`
}

// PointsRequest adds clicks for one object on one frame. ClearOldPoints drops
// the points previously given for this object on this frame.
type PointsRequest struct {
	FrameIndex     int
	ObjectID       int
	Points         []Point
	Labels         []Label
	ClearOldPoints bool
}

// ObjectMask is an object's raw logit map, row-major, Width*Height values.
type ObjectMask struct {
	ObjectID int       `msgpack:"object_id"`
	Width    int       `msgpack:"width"`
	Height   int       `msgpack:"height"`
	Logits   []float32 `msgpack:"logits"`
}

// FrameMasks is the engine output for one frame.
type FrameMasks struct {
	FrameIndex int          `msgpack:"frame_index"`
	Objects    []ObjectMask `msgpack:"objects"`
}

// Engine creates per-session model state.
type Engine interface {
	// InitState loads the frames in framesDir and returns a handle owned by
	// exactly one session.
	InitState(ctx context.Context, framesDir string, frameCount int) (Handle, error)
	// Close shuts the engine down. Handles become unusable.
	Close() error
}

// Handle is one session's model state.
type Handle interface {
	// AddPoints incorporates clicks and returns the current mask of every
	// tracked object on the request's frame.
	AddPoints(ctx context.Context, req PointsRequest) (FrameMasks, error)
	// ResetObject discards everything accumulated for one object.
	ResetObject(ctx context.Context, objectID int) error
	// ResetAll discards all annotations and invalidates the handle.
	ResetAll(ctx context.Context) error
	// Propagate starts a single forward pass over the video.
	Propagate(ctx context.Context) (Sequence, error)
	// Release frees the handle's resources.
	Release(ctx context.Context) error
}

// Sequence is a finite, one-pass producer of per-frame results. Next returns
// io.EOF after the last frame. It cannot be restarted; call Propagate again.
type Sequence interface {
	Next(ctx context.Context) (FrameMasks, error)
	Close() error
}
