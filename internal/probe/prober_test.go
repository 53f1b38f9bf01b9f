// SPDX-License-Identifier: MIT

package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/streamforge/renditiond/internal/retry"
)

// fakeFFprobe writes a shell script that prints the given JSON, standing in
// for the real binary.
func fakeFFprobe(t *testing.T, output string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffprobe")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func sourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(path, []byte("not really mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const goodProbeJSON = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080},
    {"codec_type": "audio", "codec_name": "aac"}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "634.600000"}
}`

func TestProbe_Success(t *testing.T) {
	p := New(fakeFFprobe(t, goodProbeJSON))
	info, err := p.Probe(context.Background(), sourceFile(t))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.VideoCodec != "h264" || info.Width != 1920 || info.Height != 1080 {
		t.Errorf("video = %s %dx%d", info.VideoCodec, info.Width, info.Height)
	}
	if info.AudioCodec != "aac" {
		t.Errorf("audio = %s", info.AudioCodec)
	}
	if info.DurationSec != 634.6 {
		t.Errorf("duration = %v", info.DurationSec)
	}
	if info.Container != "mov" {
		t.Errorf("container = %q, want first of the format list", info.Container)
	}
}

func TestProbe_MissingFile(t *testing.T) {
	p := New("ffprobe")
	_, err := p.Probe(context.Background(), "/nonexistent/file.mp4")
	if !errors.Is(err, retry.ErrInputInvalid) {
		t.Fatalf("err = %v, want ErrInputInvalid", err)
	}
}

func TestProbe_NoVideoStream(t *testing.T) {
	p := New(fakeFFprobe(t, `{
  "streams": [{"codec_type": "audio", "codec_name": "mp3"}],
  "format": {"format_name": "mp3", "duration": "12.0"}
}`))
	_, err := p.Probe(context.Background(), sourceFile(t))
	if !errors.Is(err, retry.ErrInputInvalid) {
		t.Fatalf("err = %v, want ErrInputInvalid", err)
	}
}

func TestProbe_ZeroDuration(t *testing.T) {
	p := New(fakeFFprobe(t, `{
  "streams": [{"codec_type": "video", "codec_name": "h264", "width": 640, "height": 360}],
  "format": {"format_name": "mp4", "duration": "0"}
}`))
	_, err := p.Probe(context.Background(), sourceFile(t))
	if !errors.Is(err, retry.ErrInputInvalid) {
		t.Fatalf("err = %v, want ErrInputInvalid", err)
	}
}

func TestProbe_GarbageOutput(t *testing.T) {
	p := New(fakeFFprobe(t, "this is not json"))
	_, err := p.Probe(context.Background(), sourceFile(t))
	if !errors.Is(err, retry.ErrInputInvalid) {
		t.Fatalf("err = %v, want ErrInputInvalid", err)
	}
}
