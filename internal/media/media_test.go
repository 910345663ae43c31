package media

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/videogen-platform/internal/generation"
)

// concatRunner emulates the ffmpeg concat demuxer by joining the listed
// files byte for byte into the last argument.
type concatRunner struct {
	calls    [][]string
	failCopy bool
	failAll  bool
}

func (r *concatRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, args)
	if r.failAll || (r.failCopy && contains(args, "copy")) {
		return []byte("Non-monotonous DTS in output stream"), errors.New("exit status 1")
	}
	list := args[indexOf(args, "-i")+1]
	out := args[len(args)-1]

	f, err := os.Open(list)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var joined []byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSuffix(strings.TrimPrefix(sc.Text(), "file '"), "'")
		b, err := os.ReadFile(line)
		if err != nil {
			return nil, err
		}
		joined = append(joined, b...)
	}
	return nil, os.WriteFile(out, joined, 0o644)
}

type memUploader struct {
	key     string
	content string
	err     error
}

func (u *memUploader) UploadFile(_ context.Context, localPath, key, _ string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	u.key, u.content = key, string(b)
	return "s3://videogen/" + key, nil
}

func contains(args []string, s string) bool { return indexOf(args, s) >= 0 }

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

func markerServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.mp4":
			_, _ = w.Write([]byte("A"))
		case "/b.mp4":
			_, _ = w.Write([]byte("B"))
		case "/c.mp4":
			_, _ = w.Write([]byte("C"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStitcher(t *testing.T, runner Runner, up Uploader) *Stitcher {
	s := NewStitcher("ffmpeg", up, time.Minute)
	s.Runner = runner
	s.TempDir = t.TempDir()
	return s
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStitch_PreservesSegmentOrder(t *testing.T) {
	srv := markerServer(t)
	runner := &concatRunner{}
	up := &memUploader{}
	s := newTestStitcher(t, runner, up)

	ref, err := s.Stitch(context.Background(), []string{srv.URL + "/a.mp4", srv.URL + "/b.mp4", srv.URL + "/c.mp4"}, "generations/g1/final.mp4")
	require.NoError(t, err)

	assert.Equal(t, "s3://videogen/generations/g1/final.mp4", ref)
	assert.Equal(t, "ABC", up.content)
	require.Len(t, runner.calls, 1)
	assert.True(t, contains(runner.calls[0], "copy"))
	assertDirEmpty(t, s.TempDir)
	assert.Equal(t, StitchStats{Copied: 1}, s.Stats())
}

func TestStitch_ReencodesWhenCopyFails(t *testing.T) {
	srv := markerServer(t)
	runner := &concatRunner{failCopy: true}
	up := &memUploader{}
	s := newTestStitcher(t, runner, up)

	_, err := s.Stitch(context.Background(), []string{srv.URL + "/c.mp4", srv.URL + "/a.mp4"}, "k")
	require.NoError(t, err)

	assert.Equal(t, "CA", up.content)
	require.Len(t, runner.calls, 2)
	assert.True(t, contains(runner.calls[1], "libx264"))
	assertDirEmpty(t, s.TempDir)
	assert.Equal(t, StitchStats{Reencoded: 1, Incompatible: 1}, s.Stats())
}

func TestClassifyCopyFailure(t *testing.T) {
	exit := errors.New("exit status 1")

	err := classifyCopyFailure(exit, []byte("[mp4 @ 0x1] Non-monotonous DTS in output stream 0:0"))
	assert.ErrorIs(t, err, ErrIncompatibleSegments)

	err = classifyCopyFailure(exit, []byte("list.txt: No such file or directory"))
	assert.NotErrorIs(t, err, ErrIncompatibleSegments)
	assert.Same(t, exit, err)
}

func TestStitch_FailuresCleanUp(t *testing.T) {
	srv := markerServer(t)

	t.Run("encode", func(t *testing.T) {
		s := newTestStitcher(t, &concatRunner{failAll: true}, &memUploader{})
		_, err := s.Stitch(context.Background(), []string{srv.URL + "/a.mp4"}, "k")
		assert.ErrorIs(t, err, generation.ErrStitchFailed)
		assert.ErrorIs(t, err, ErrIncompatibleSegments)
		assertDirEmpty(t, s.TempDir)
	})
	t.Run("download", func(t *testing.T) {
		s := newTestStitcher(t, &concatRunner{}, &memUploader{})
		_, err := s.Stitch(context.Background(), []string{srv.URL + "/a.mp4", srv.URL + "/missing.mp4"}, "k")
		assert.ErrorIs(t, err, generation.ErrStitchFailed)
		assertDirEmpty(t, s.TempDir)
	})
	t.Run("upload", func(t *testing.T) {
		s := newTestStitcher(t, &concatRunner{}, &memUploader{err: errors.New("bucket gone")})
		_, err := s.Stitch(context.Background(), []string{srv.URL + "/a.mp4"}, "k")
		assert.ErrorIs(t, err, generation.ErrStitchFailed)
		assertDirEmpty(t, s.TempDir)
	})
	t.Run("empty", func(t *testing.T) {
		s := newTestStitcher(t, &concatRunner{}, &memUploader{})
		_, err := s.Stitch(context.Background(), nil, "k")
		assert.ErrorIs(t, err, generation.ErrStitchFailed)
	})
}

func TestWriteConcatList_QuotesPaths(t *testing.T) {
	path := t.TempDir() + "/list.txt"
	require.NoError(t, writeConcatList(path, []string{"/tmp/it's.mp4"}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file '/tmp/it'\\''s.mp4'\n", string(b))
}

type frameRunner struct {
	block bool
	fail  bool
}

func (r *frameRunner) Run(ctx context.Context, _ string, args ...string) ([]byte, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.fail {
		return []byte("moov atom not found"), errors.New("exit status 1")
	}
	return nil, os.WriteFile(args[len(args)-1], []byte("JPEG"), 0o644)
}

func newTestExtractor(t *testing.T, runner Runner, up Uploader, timeout time.Duration) *FrameExtractor {
	e := NewFrameExtractor("ffmpeg", up, timeout)
	e.Runner = runner
	e.TempDir = t.TempDir()
	return e
}

func TestExtractLastFrame(t *testing.T) {
	up := &memUploader{}
	e := newTestExtractor(t, &frameRunner{}, up, time.Second)

	ref, err := e.ExtractLastFrame(context.Background(), "https://r/0.mp4", "generations/g/frame-001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "s3://videogen/generations/g/frame-001.jpg", ref)
	assert.Equal(t, "JPEG", up.content)
	assertDirEmpty(t, e.TempDir)
}

func TestExtractLastFrame_TimesOut(t *testing.T) {
	e := newTestExtractor(t, &frameRunner{block: true}, &memUploader{}, 20*time.Millisecond)

	_, err := e.ExtractLastFrame(context.Background(), "https://slow/0.mp4", "k")
	assert.ErrorIs(t, err, generation.ErrExtractionTimedOut)
	assertDirEmpty(t, e.TempDir)
}

func TestExtractLastFrame_Fails(t *testing.T) {
	e := newTestExtractor(t, &frameRunner{fail: true}, &memUploader{}, time.Second)

	_, err := e.ExtractLastFrame(context.Background(), "https://r/broken.mp4", "k")
	assert.ErrorIs(t, err, generation.ErrExtractionFailed)
	assert.NotErrorIs(t, err, generation.ErrExtractionTimedOut)
	assertDirEmpty(t, e.TempDir)
}
