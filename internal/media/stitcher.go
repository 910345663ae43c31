package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/generation"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

// ErrIncompatibleSegments marks a stream copy that failed because the
// segments differ in codec or timing parameters.
var ErrIncompatibleSegments = errors.New("segments are not stream-copy compatible")

// ffmpeg output fragments that mean the inputs cannot be stream-copied together.
var incompatibleMarkers = []string{
	"Non-monotonous DTS",
	"codec parameters",
	"Could not find tag for codec",
	"does not match the",
	"incompatible",
}

type Stitcher struct {
	FFmpeg  string
	Runner  Runner
	Store   Uploader
	Client  *http.Client
	TempDir string
	Timeout time.Duration

	copied       atomic.Int64
	reencoded    atomic.Int64
	incompatible atomic.Int64
}

// StitchStats counts how stitches were produced since start.
type StitchStats struct {
	Copied       int64 `json:"copied"`
	Reencoded    int64 `json:"reencoded"`
	Incompatible int64 `json:"incompatible"`
}

func (s *Stitcher) Stats() StitchStats {
	return StitchStats{
		Copied:       s.copied.Load(),
		Reencoded:    s.reencoded.Load(),
		Incompatible: s.incompatible.Load(),
	}
}

func NewStitcher(ffmpeg string, store Uploader, timeout time.Duration) *Stitcher {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Stitcher{
		FFmpeg:  ffmpeg,
		Runner:  ExecRunner{},
		Store:   store,
		Client:  &http.Client{Timeout: 5 * time.Minute},
		Timeout: timeout,
	}
}

// Stitch concatenates refs in the given order and uploads the result under
// key. It tries a stream copy first and re-encodes when the inputs do not
// share codec parameters. The working directory is removed on every path.
func (s *Stitcher) Stitch(ctx context.Context, refs []string, key string) (string, error) {
	if len(refs) == 0 {
		return "", fmt.Errorf("%w: no segments", generation.ErrStitchFailed)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp(s.TempDir, "stitch-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", generation.ErrStitchFailed, err)
	}
	defer os.RemoveAll(dir)

	log := logger.FromContext(ctx).WithFields(logrus.Fields{"key": key, "segments": len(refs)})

	locals := make([]string, len(refs))
	for i, ref := range refs {
		locals[i] = filepath.Join(dir, fmt.Sprintf("%03d-%s.mp4", i, uuid.NewString()))
		if err := download(ctx, s.Client, ref, locals[i]); err != nil {
			return "", fmt.Errorf("%w: segment %d: %v", generation.ErrStitchFailed, i, err)
		}
	}

	listFile := filepath.Join(dir, "list.txt")
	if err := writeConcatList(listFile, locals); err != nil {
		return "", fmt.Errorf("%w: %v", generation.ErrStitchFailed, err)
	}

	outFile := filepath.Join(dir, uuid.NewString()+".mp4")
	mode := "copy"
	out, err := s.Runner.Run(ctx, s.FFmpeg, copyConcatArgs(listFile, outFile)...)
	if err == nil {
		err = nonEmptyFile(outFile)
	}
	if err != nil {
		copyErr := classifyCopyFailure(err, out)
		reason := "copy_failed"
		if errors.Is(copyErr, ErrIncompatibleSegments) {
			reason = "incompatible_segments"
			s.incompatible.Add(1)
		}
		log.WithError(copyErr).WithFields(logrus.Fields{
			"fallback_reason": reason,
			"ffmpeg":          tail(out),
		}).Warn("stream copy concat failed, re-encoding")

		_ = os.Remove(outFile)
		mode = "reencode"
		out, err = s.Runner.Run(ctx, s.FFmpeg, reencodeConcatArgs(listFile, outFile)...)
		if err == nil {
			err = nonEmptyFile(outFile)
		}
		if err != nil {
			log.WithError(err).WithField("ffmpeg", tail(out)).Error("re-encode concat failed")
			return "", fmt.Errorf("%w: re-encode after %w: %v", generation.ErrStitchFailed, copyErr, err)
		}
	}

	ref, err := s.Store.UploadFile(ctx, outFile, key, "video/mp4")
	if err != nil {
		return "", fmt.Errorf("%w: upload: %v", generation.ErrStitchFailed, err)
	}
	if mode == "copy" {
		s.copied.Add(1)
	} else {
		s.reencoded.Add(1)
	}
	log.WithFields(logrus.Fields{"ref": ref, "mode": mode}).Info("segments stitched")
	return ref, nil
}

func classifyCopyFailure(err error, out []byte) error {
	text := string(out)
	for _, m := range incompatibleMarkers {
		if strings.Contains(text, m) {
			return fmt.Errorf("%w: %v", ErrIncompatibleSegments, err)
		}
	}
	return err
}

func writeConcatList(path string, files []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, name := range files {
		// concat demuxer quoting: ' becomes '\''
		escaped := strings.ReplaceAll(name, "'", `'\''`)
		if _, err := w.WriteString("file '" + escaped + "'\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyConcatArgs(list, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", list, "-c", "copy", "-movflags", "+faststart", out}
}

func reencodeConcatArgs(list, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", list,
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "20", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k", "-movflags", "+faststart", out}
}
