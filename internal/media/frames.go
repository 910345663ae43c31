package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/suPer8Hu/videogen-platform/internal/generation"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

// FrameExtractor grabs the last frame of a video with ffmpeg.
type FrameExtractor struct {
	FFmpeg  string
	Runner  Runner
	Store   Uploader
	TempDir string
	Timeout time.Duration
}

func NewFrameExtractor(ffmpeg string, store Uploader, timeout time.Duration) *FrameExtractor {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FrameExtractor{FFmpeg: ffmpeg, Runner: ExecRunner{}, Store: store, Timeout: timeout}
}

// ExtractLastFrame reads videoRef directly (ffmpeg handles http inputs),
// writes one jpeg near the end of the timeline and uploads it under key.
func (e *FrameExtractor) ExtractLastFrame(ctx context.Context, videoRef, key string) (string, error) {
	dir, err := os.MkdirTemp(e.TempDir, "frame-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", generation.ErrExtractionFailed, err)
	}
	defer os.RemoveAll(dir)

	cctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	outFile := filepath.Join(dir, "last.jpg")
	out, err := e.Runner.Run(cctx, e.FFmpeg,
		"-y", "-sseof", "-0.5", "-i", videoRef,
		"-update", "1", "-frames:v", "1", "-q:v", "2", outFile)
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s", generation.ErrExtractionTimedOut, e.Timeout)
	}
	if err == nil {
		err = nonEmptyFile(outFile)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).WithField("ffmpeg", tail(out)).Debug("frame extraction failed")
		return "", fmt.Errorf("%w: %v", generation.ErrExtractionFailed, err)
	}

	ref, err := e.Store.UploadFile(ctx, outFile, key, "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("%w: upload: %v", generation.ErrExtractionFailed, err)
	}
	return ref, nil
}
