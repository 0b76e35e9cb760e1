package dto

import (
	"video-segmentation/internal/models"
	"video-segmentation/internal/rle"
)

// CreateSessionRequest names the video of a new session. S3Link is the field
// older clients send.
type CreateSessionRequest struct {
	Source string `json:"source"`
	S3Link string `json:"s3_link"`
}

// CreateSessionResponse is returned by session creation. Frames holds either
// frame descriptors or, for inline requests, base64 JPEGs.
type CreateSessionResponse struct {
	SessionID string              `json:"session_id"`
	Frames    interface{}         `json:"frames"`
	Session   *models.SessionInfo `json:"session,omitempty"`
}

// ResultsResponse is the cached propagation output of a session.
type ResultsResponse struct {
	SessionID string               `json:"session_id"`
	Complete  bool                 `json:"complete"`
	Stale     bool                 `json:"stale"`
	Frames    []models.FrameResult `json:"frames"`
}

// WebRTCOfferRequest starts a data channel stream for a session.
type WebRTCOfferRequest struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

// Legacy request and response shapes.

type LegacyClickRequest struct {
	SessionID      string       `json:"sessionId"`
	FrameIndex     int          `json:"frameIndex"`
	ObjectID       int          `json:"objectId"`
	Labels         []int        `json:"labels"`
	Points         [][2]float32 `json:"points"`
	ClearOldPoints bool         `json:"clearOldPoints"`
	ResetState     bool         `json:"resetState"`
}

type LegacyRLEMask struct {
	ObjectID int     `json:"objectId"`
	RLEMask  rle.RLE `json:"rleMask"`
}

type LegacyAddPoints struct {
	FrameIndex  int             `json:"frameIndex"`
	RLEMaskList []LegacyRLEMask `json:"rleMaskList"`
}

type LegacyAddPointsResponse struct {
	AddPoints LegacyAddPoints `json:"addPoints"`
}

type LegacyPropagateRequest struct {
	SessionID       string `json:"sessionId"`
	StartFrameIndex int    `json:"start_frame_index"`
}

type LegacyGenerateRequest struct {
	SessionID string `json:"sessionId"`
	Effect    string `json:"effect"`
}

type LegacyMasksResponse struct {
	SessionID string                      `json:"sessionId"`
	Frames    map[int][]models.ObjectMask `json:"frames"`
}

type LegacyErrorResponse struct {
	Detail string `json:"detail"`
}
