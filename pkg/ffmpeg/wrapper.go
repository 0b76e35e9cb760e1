package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Runner invokes the ffmpeg and ffprobe binaries.
type Runner struct {
	FFmpeg  string
	FFprobe string
}

// New returns a Runner using the binaries found on PATH when the names are
// empty.
func New(ffmpegBin, ffprobeBin string) *Runner {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &Runner{FFmpeg: ffmpegBin, FFprobe: ffprobeBin}
}

// CheckInstallation verifies if FFmpeg is installed and accessible
func (r *Runner) CheckInstallation(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.FFmpeg, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	return nil
}

// ExtractFrames decodes videoPath into numbered JPEGs matching pattern
// (e.g. dir/%05d.jpg, numbered from 1) at fps frames per second.
func (r *Runner) ExtractFrames(ctx context.Context, videoPath, pattern string, fps, quality int) error {
	return r.run(ctx,
		"-nostdin", "-y",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", fps),
		"-q:v", strconv.Itoa(quality),
		"-pix_fmt", "yuvj444p",
		"-f", "image2",
		pattern,
	)
}

// EncodeAlphaVideo encodes the numbered RGBA PNGs matching inputPattern into a
// VP9 WebM that keeps the alpha channel.
func (r *Runner) EncodeAlphaVideo(ctx context.Context, inputPattern string, fps int, outputPath string) error {
	return r.run(ctx,
		"-nostdin", "-y",
		"-framerate", strconv.Itoa(fps),
		"-i", inputPattern,
		"-c:v", "libvpx-vp9",
		"-pix_fmt", "yuva420p",
		"-lossless", "1",
		outputPath,
	)
}

func (r *Runner) run(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.FFmpeg, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg error: %w: %s", err, tail(stderr.String(), 512))
	}
	return nil
}

// VideoInfo is the subset of ffprobe output the service reports.
type VideoInfo struct {
	Width    int
	Height   int
	Duration float64
	Codec    string
}

type probeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// GetVideoMetadata retrieves the first video stream's size and codec and the
// container duration.
func (r *Runner) GetVideoMetadata(ctx context.Context, videoPath string) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, r.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-show_entries", "stream=codec_name,codec_type,width,height",
		"-of", "json",
		videoPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get video metadata: %w", err)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (*VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	info := &VideoInfo{}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			info.Width, info.Height, info.Codec = s.Width, s.Height, s.CodecName
			break
		}
	}
	if info.Width == 0 {
		return nil, fmt.Errorf("no video stream found")
	}
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64)
		if err == nil {
			info.Duration = d
		}
	}
	return info, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
