// SPDX-License-Identifier: MIT

// Package transcode builds the argument vectors for the external encoder.
// Commands are exec'd directly, never through a shell; validation here is
// the injection boundary.
package transcode

import (
	"fmt"
	"strconv"

	"github.com/streamforge/renditiond/internal/model"
)

// EncodeSpec describes one rendition encode invocation.
type EncodeSpec struct {
	InputPath  string
	OutputPath string
	Rendition  model.RenditionSpec

	// GPUDevice selects the NVENC device; -1 selects software encoding.
	GPUDevice int
}

// BuildEncodeArgs constructs the ffmpeg arguments for one rendition.
func BuildEncodeArgs(spec EncodeSpec) ([]string, error) {
	if spec.InputPath == "" {
		return nil, fmt.Errorf("missing input path")
	}
	if spec.OutputPath == "" {
		return nil, fmt.Errorf("missing output path")
	}
	r := spec.Rendition
	if r.Width <= 0 || r.Height <= 0 {
		return nil, fmt.Errorf("rendition %q: invalid resolution %dx%d", r.Name, r.Width, r.Height)
	}
	if r.BitrateKbps <= 0 {
		return nil, fmt.Errorf("rendition %q: invalid bitrate %d", r.Name, r.BitrateKbps)
	}

	codec, err := videoCodec(r.Codec, spec.GPUDevice >= 0)
	if err != nil {
		return nil, fmt.Errorf("rendition %q: %w", r.Name, err)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-y",
	}

	if spec.GPUDevice >= 0 {
		// Decode on the same device the encoder runs on.
		args = append(args, "-hwaccel", "cuda")
	}

	args = append(args,
		"-i", spec.InputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=%d:%d", r.Width, r.Height),
		"-c:v", codec,
	)

	if spec.GPUDevice >= 0 {
		args = append(args, "-gpu", strconv.Itoa(spec.GPUDevice))
	} else {
		args = append(args, "-preset", "medium")
	}

	bitrate := strconv.Itoa(r.BitrateKbps) + "k"
	args = append(args,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		// VBV buffer of two seconds at target bitrate keeps rate spikes
		// inside what the packager's segment duration tolerates.
		"-bufsize", strconv.Itoa(r.BitrateKbps*2)+"k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		spec.OutputPath,
	)

	return args, nil
}

func videoCodec(codec string, gpu bool) (string, error) {
	switch codec {
	case "", "h264":
		if gpu {
			return "h264_nvenc", nil
		}
		return "libx264", nil
	case "hevc", "h265":
		if gpu {
			return "hevc_nvenc", nil
		}
		return "libx265", nil
	default:
		return "", fmt.Errorf("unsupported codec %q", codec)
	}
}
