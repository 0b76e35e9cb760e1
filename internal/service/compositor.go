package service

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/up-zero/gotool/imageutil"

	"video-segmentation/internal/events"
	"video-segmentation/internal/models"
	"video-segmentation/internal/rle"
)

// Rendering is an encoded matte video.
type Rendering struct {
	SessionID   string `json:"session_id"`
	Path        string `json:"-"`
	ContentType string `json:"content_type"`
	Frames      int    `json:"frames"`
	// Skipped lists frame indexes present on only one side of the frame store
	// and the result cache.
	Skipped []int `json:"skipped,omitempty"`
	FPS     int   `json:"fps"`
}

// Render composites every frame that has both an image and cached results
// into an RGBA image whose alpha is the union of the object masks, then
// encodes the sequence as a VP9 WebM with alpha. The caller owns the file at
// Rendering.Path.
func (s *SessionService) Render(ctx context.Context, id string) (*Rendering, error) {
	session, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer session.op.unlock()
	ctx, untrack := session.track(ctx)
	defer untrack()

	session.mu.Lock()
	results := make(map[int][]models.ObjectMask, len(session.results))
	for k, v := range session.results {
		results[k] = v
	}
	session.mu.Unlock()
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, id)
	}

	frames, err := s.frames.List(id)
	if err != nil {
		return nil, fmt.Errorf("%w: list frames: %w", ErrRenderFailed, err)
	}

	work := filepath.Join(s.frames.Dir(id), "render-"+uuid.New().String())
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	defer os.RemoveAll(work)

	log := s.log.WithField("session_id", id)
	started := time.Now()
	rendering := &Rendering{SessionID: id, ContentType: "video/webm", FPS: s.frames.FPS()}

	seen := make(map[int]bool, len(frames))
	for _, f := range frames {
		seen[f.Index] = true
		masks, ok := results[f.Index]
		if !ok {
			rendering.Skipped = append(rendering.Skipped, f.Index)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(work, fmt.Sprintf("%05d.png", rendering.Frames+1))
		if err := compositeFrame(f.Path, masks, out); err != nil {
			return nil, fmt.Errorf("%w: frame %d: %w", ErrRenderFailed, f.Index, err)
		}
		rendering.Frames++
	}
	for index := range results {
		if !seen[index] {
			rendering.Skipped = append(rendering.Skipped, index)
		}
	}
	sort.Ints(rendering.Skipped)
	if rendering.Frames == 0 {
		return nil, fmt.Errorf("%w: no frame has both an image and results", ErrNoResults)
	}

	output := filepath.Join(s.frames.Dir(id), fmt.Sprintf("matte-%d.webm", time.Now().UnixNano()))
	if err := s.encoder.EncodeAlphaVideo(ctx, filepath.Join(work, "%05d.png"), rendering.FPS, output); err != nil {
		os.Remove(output)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	rendering.Path = output

	session.setStatus(models.StatusComposited)
	s.renders.Add(1)
	s.audit(ctx, func(ctx context.Context) error {
		return s.repo.UpdateSessionStatus(ctx, id, models.StatusComposited)
	})
	s.publish(events.RenderCompleted, id, map[string]interface{}{
		"frames":  rendering.Frames,
		"skipped": len(rendering.Skipped),
	})
	log.WithFields(logrus.Fields{
		"frames":   rendering.Frames,
		"skipped":  len(rendering.Skipped),
		"duration": time.Since(started).String(),
	}).Info("matte rendered")
	return rendering, nil
}

// compositeFrame writes the frame at framePath as a PNG whose alpha is the
// union of masks. Pixels outside every mask become transparent black.
func compositeFrame(framePath string, masks []models.ObjectMask, outPath string) error {
	img, err := imageutil.Open(framePath)
	if err != nil {
		return fmt.Errorf("open frame: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	alpha := rle.NewMask(w, h)
	for _, m := range masks {
		decoded, err := rle.Decode(m.Mask)
		if err != nil {
			return fmt.Errorf("object %d: %w", m.ObjectID, err)
		}
		if err := rle.Union(alpha, decoded); err != nil {
			return fmt.Errorf("object %d: %w", m.ObjectID, err)
		}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !alpha.At(x, y) {
				continue
			}
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 255
			dst.SetNRGBA(x, y, c)
		}
	}

	return imageutil.Save(outPath, dst, 100)
}
