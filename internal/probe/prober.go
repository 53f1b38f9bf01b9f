// SPDX-License-Identifier: MIT

// Package probe extracts source asset metadata via ffprobe. A probe
// failure means the asset is malformed or unsupported and is always
// permanent; the retry controller never re-runs it.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/retry"
)

// Prober wraps the external ffprobe binary.
type Prober struct {
	Bin     string
	Timeout time.Duration
}

// New returns a Prober with a 30s timeout.
func New(bin string) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{Bin: bin, Timeout: 30 * time.Second}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe analyses the file at path and returns its media metadata.
func (p *Prober) Probe(ctx context.Context, path string) (*model.MediaInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", retry.ErrInputInvalid, path)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-i", path,
	}

	cmd := exec.CommandContext(ctx, p.Bin, args...) // #nosec G204 -- bin from trusted config, path validated by caller
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// ffprobe rejects files it cannot parse with a nonzero exit.
		return nil, fmt.Errorf("%w: ffprobe: %v", retry.ErrInputInvalid, err)
	}

	var data ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &data); err != nil {
		return nil, fmt.Errorf("%w: ffprobe output: %v", retry.ErrInputInvalid, err)
	}

	info := &model.MediaInfo{
		Container: firstFormat(data.Format.FormatName),
	}
	if d, err := strconv.ParseFloat(data.Format.Duration, 64); err == nil {
		info.DurationSec = d
	}

	for _, s := range data.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}

	if info.VideoCodec == "" {
		return nil, fmt.Errorf("%w: no video stream", retry.ErrInputInvalid)
	}
	if info.DurationSec <= 0 {
		return nil, fmt.Errorf("%w: missing or zero duration", retry.ErrInputInvalid)
	}

	return info, nil
}

// firstFormat picks the first name of ffprobe's comma-separated container
// list, e.g. "mov,mp4,m4a,3gp,3g2,mj2" -> "mov".
func firstFormat(name string) string {
	if i := strings.IndexByte(name, ','); i >= 0 {
		return name[:i]
	}
	return name
}
