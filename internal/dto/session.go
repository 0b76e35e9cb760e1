package dto

import "time"

// SessionDTO is a session row of the audit log.
type SessionDTO struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner,omitempty"`
	Source     string     `json:"source"`
	Status     string     `json:"status"`
	FrameCount int        `json:"frame_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// PropagationRunDTO records the outcome of one propagation.
type PropagationRunDTO struct {
	SessionID  string    `json:"session_id"`
	Frames     int       `json:"frames"`
	Objects    int       `json:"objects"`
	Complete   bool      `json:"complete"`
	ErrorCode  string    `json:"error_code,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
