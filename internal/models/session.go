package models

import (
	"time"

	"video-segmentation/internal/rle"
)

// Session statuses
const (
	StatusCreated     = "created"
	StatusAnnotated   = "annotated"
	StatusPropagating = "propagating"
	StatusPropagated  = "propagated"
	StatusComposited  = "composited"
	StatusDeleted     = "deleted"
)

// Frame is one decoded video frame on disk. Index is the 0-based position the
// engine and the result cache use; Name is the 1-based file name.
type Frame struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Path  string `json:"-"`
}

// Annotation is a set of clicks for one object on one frame.
type Annotation struct {
	ObjectID       int          `json:"object_id"`
	FrameIndex     int          `json:"frame_index"`
	Points         [][2]float32 `json:"points"`
	Labels         []int        `json:"labels"`
	ClearOldPoints bool         `json:"clear_old_points"`
	ResetObject    bool         `json:"reset_object"`
}

// Point labels
const (
	LabelBackground = 0
	LabelForeground = 1
)

// ObjectMask is one object's encoded mask on one frame.
type ObjectMask struct {
	ObjectID int     `json:"objectId" msgpack:"objectId"`
	Mask     rle.RLE `json:"mask" msgpack:"mask"`
}

// FrameResult holds every tracked object's mask for a frame.
type FrameResult struct {
	FrameIndex int          `json:"frameIndex" msgpack:"frameIndex"`
	Results    []ObjectMask `json:"results" msgpack:"results"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner,omitempty"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	FrameCount      int        `json:"frame_count"`
	Video           *VideoInfo `json:"video,omitempty"`
	ObjectIDs       []int      `json:"object_ids"`
	HasResults      bool       `json:"has_results"`
	ResultFrames    int        `json:"result_frames"`
	ResultsComplete bool       `json:"results_complete"`
	ResultsStale    bool       `json:"results_stale"`
	Busy            bool       `json:"busy"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// VideoInfo describes the source video when it could be probed.
type VideoInfo struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration"`
	Codec    string  `json:"codec"`
}
