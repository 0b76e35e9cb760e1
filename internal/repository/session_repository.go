package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"video-segmentation/internal/dto"
)

// ErrNotFound is returned when no audit row matches.
var ErrNotFound = errors.New("session not found")

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// CreateSession inserts a new session into the database
func (r *SessionRepository) CreateSession(ctx context.Context, session *dto.SessionDTO) error {
	query := `
		INSERT INTO sessions (id, owner, source, status, frame_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		session.ID,
		session.Owner,
		session.Source,
		session.Status,
		session.FrameCount,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSessionByID returns the audit row of one session, deleted or not.
func (r *SessionRepository) GetSessionByID(ctx context.Context, id string) (*dto.SessionDTO, error) {
	query := `
		SELECT id, owner, source, status, frame_count, created_at, updated_at, deleted_at
		FROM sessions
		WHERE id = $1
	`
	var session dto.SessionDTO
	var deletedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Owner,
		&session.Source,
		&session.Status,
		&session.FrameCount,
		&session.CreatedAt,
		&session.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if deletedAt.Valid {
		session.DeletedAt = &deletedAt.Time
	}
	return &session, nil
}

// UpdateSessionStatus updates the status of a session
func (r *SessionRepository) UpdateSessionStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE sessions
		SET status = $1, updated_at = $2
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// MarkDeleted records that a session's resources were released.
func (r *SessionRepository) MarkDeleted(ctx context.Context, id string) error {
	query := `
		UPDATE sessions
		SET status = 'deleted', updated_at = $1, deleted_at = $1
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session deleted: %w", err)
	}
	return nil
}

// RecordPropagation stores the outcome of one propagation run.
func (r *SessionRepository) RecordPropagation(ctx context.Context, run *dto.PropagationRunDTO) error {
	query := `
		INSERT INTO propagation_runs (session_id, frames, objects, complete, error_code, started_at, finished_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		run.SessionID,
		run.Frames,
		run.Objects,
		run.Complete,
		run.ErrorCode,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record propagation: %w", err)
	}
	return nil
}

// ListSessionsByOwner retrieves all sessions for an owner, newest first
func (r *SessionRepository) ListSessionsByOwner(ctx context.Context, owner string) ([]*dto.SessionDTO, error) {
	query := `
		SELECT id, owner, source, status, frame_count, created_at, updated_at, deleted_at
		FROM sessions
		WHERE owner = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*dto.SessionDTO
	for rows.Next() {
		var session dto.SessionDTO
		var deletedAt sql.NullTime
		err := rows.Scan(
			&session.ID,
			&session.Owner,
			&session.Source,
			&session.Status,
			&session.FrameCount,
			&session.CreatedAt,
			&session.UpdatedAt,
			&deletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if deletedAt.Valid {
			session.DeletedAt = &deletedAt.Time
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}
