// SPDX-License-Identifier: MIT

package transcode

import (
	"strings"
	"testing"

	"github.com/streamforge/renditiond/internal/model"
)

func baseSpec() EncodeSpec {
	return EncodeSpec{
		InputPath:  "/in/source.mp4",
		OutputPath: "/work/720p-enc.mp4",
		Rendition: model.RenditionSpec{
			Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2800, Codec: "h264",
		},
		GPUDevice: -1,
	}
}

func argsString(t *testing.T, spec EncodeSpec) string {
	t.Helper()
	args, err := BuildEncodeArgs(spec)
	if err != nil {
		t.Fatalf("BuildEncodeArgs: %v", err)
	}
	return strings.Join(args, " ")
}

func TestBuildEncodeArgs_Software(t *testing.T) {
	s := argsString(t, baseSpec())

	for _, want := range []string{
		"-c:v libx264",
		"-vf scale=1280:720",
		"-b:v 2800k",
		"-maxrate 2800k",
		"-bufsize 5600k",
		"-c:a aac",
		"/work/720p-enc.mp4",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("args missing %q: %s", want, s)
		}
	}
	for _, reject := range []string{"-hwaccel", "-gpu", "nvenc"} {
		if strings.Contains(s, reject) {
			t.Errorf("software encode must not contain %q: %s", reject, s)
		}
	}
}

func TestBuildEncodeArgs_GPU(t *testing.T) {
	spec := baseSpec()
	spec.GPUDevice = 1
	s := argsString(t, spec)

	for _, want := range []string{"-hwaccel cuda", "-c:v h264_nvenc", "-gpu 1"} {
		if !strings.Contains(s, want) {
			t.Errorf("args missing %q: %s", want, s)
		}
	}
	if strings.Contains(s, "-preset") {
		t.Errorf("gpu encode must not carry the software preset: %s", s)
	}
}

func TestBuildEncodeArgs_HEVC(t *testing.T) {
	spec := baseSpec()
	spec.Rendition.Codec = "hevc"
	if s := argsString(t, spec); !strings.Contains(s, "-c:v libx265") {
		t.Errorf("software hevc: %s", s)
	}
	spec.GPUDevice = 0
	if s := argsString(t, spec); !strings.Contains(s, "-c:v hevc_nvenc") {
		t.Errorf("gpu hevc: %s", s)
	}
}

func TestBuildEncodeArgs_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EncodeSpec)
	}{
		{"missing_input", func(s *EncodeSpec) { s.InputPath = "" }},
		{"missing_output", func(s *EncodeSpec) { s.OutputPath = "" }},
		{"zero_width", func(s *EncodeSpec) { s.Rendition.Width = 0 }},
		{"zero_bitrate", func(s *EncodeSpec) { s.Rendition.BitrateKbps = 0 }},
		{"unsupported_codec", func(s *EncodeSpec) { s.Rendition.Codec = "av1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			tt.mutate(&spec)
			if _, err := BuildEncodeArgs(spec); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
