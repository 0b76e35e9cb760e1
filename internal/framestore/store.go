// Package framestore keeps the decoded frames of each session on disk, one
// directory per session, as 1-based zero-padded JPEG files.
package framestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/models"
)

// ErrExtractionFailed is returned when a video yields no frames.
var ErrExtractionFailed = errors.New("frame extraction failed")

// ErrFrameNotFound is returned for a frame index the session does not have.
var ErrFrameNotFound = errors.New("frame not found")

const (
	frameExt     = ".jpg"
	framePattern = "%05d" + frameExt
)

// Extractor decodes a video into numbered image files.
type Extractor interface {
	ExtractFrames(ctx context.Context, videoPath, pattern string, fps, quality int) error
}

// Store manages session frame directories under Root.
type Store struct {
	root      string
	fps       int
	quality   int
	extractor Extractor
	log       logrus.FieldLogger
}

// New creates a store rooted at root, creating the directory if needed.
func New(root string, fps, quality int, extractor Extractor, logger logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame root: %w", err)
	}
	return &Store{
		root:      root,
		fps:       fps,
		quality:   quality,
		extractor: extractor,
		log:       logger.WithField("component", "framestore"),
	}, nil
}

// FPS returns the extraction frame rate.
func (s *Store) FPS() int { return s.fps }

// Root returns the directory holding every session.
func (s *Store) Root() string { return s.root }

// Dir returns the frame directory of a session.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Create makes the session directory.
func (s *Store) Create(sessionID string) (string, error) {
	dir := s.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return dir, nil
}

// Extract decodes videoPath into the session directory and returns the
// frames in order.
func (s *Store) Extract(ctx context.Context, sessionID, videoPath string) ([]models.Frame, error) {
	dir, err := s.Create(sessionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pattern := filepath.Join(dir, framePattern)
	if err := s.extractor.ExtractFrames(ctx, videoPath, pattern, s.fps, s.quality); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	frames, err := s.List(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames decoded", ErrExtractionFailed)
	}

	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"frames":     len(frames),
		"duration":   time.Since(start).String(),
	}).Info("frames extracted")
	return frames, nil
}

// List returns the session's frames sorted by index.
func (s *Store) List(sessionID string) ([]models.Frame, error) {
	dir := s.Dir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	frames := make([]models.Frame, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, ok := parseFrameName(entry.Name())
		if !ok {
			continue
		}
		frames = append(frames, models.Frame{
			Index: index,
			Name:  entry.Name(),
			Path:  filepath.Join(dir, entry.Name()),
		})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	return frames, nil
}

// Path returns the file of the frame at the 0-based index.
func (s *Store) Path(sessionID string, index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("%w: %d", ErrFrameNotFound, index)
	}
	p := filepath.Join(s.Dir(sessionID), FrameName(index))
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %d", ErrFrameNotFound, index)
	}
	return p, nil
}

// Purge removes all storage of a session. Purging twice is not an error.
func (s *Store) Purge(sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return fmt.Errorf("failed to purge session storage: %w", err)
	}
	return nil
}

// Sweep removes session directories older than olderThan that keep does not
// claim, returning the ids removed. It clears storage left behind by a crash.
func (s *Store) Sweep(olderThan time.Duration, keep func(sessionID string) bool) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || keep(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.Purge(entry.Name()); err != nil {
			s.log.WithError(err).WithField("session_id", entry.Name()).Warn("failed to sweep orphaned frames")
			continue
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

// FrameName returns the file name of the frame at the 0-based index.
func FrameName(index int) string {
	return fmt.Sprintf(framePattern, index+1)
}

// parseFrameName maps a 1-based file name back to its 0-based index.
func parseFrameName(name string) (int, bool) {
	if !strings.HasSuffix(name, frameExt) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(name, frameExt))
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}
