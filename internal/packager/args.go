// SPDX-License-Identifier: MIT

// Package packager builds the argument vectors for the fragmenting and
// packaging tools (Bento4 mp4fragment/mp4dash style) and verifies their
// expected outputs.
package packager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FragmentDurationMS is the target fragment length handed to the
// fragmenter. Four seconds matches the DASH segment template below.
const FragmentDurationMS = 4000

// ManifestName is the per-rendition manifest fragment written by the
// packaging tool inside the rendition's segment directory.
const ManifestName = "stream.mpd"

// MediaPlaylistName is the per-rendition HLS playlist inside the
// rendition's segment directory.
const MediaPlaylistName = "media.m3u8"

// BuildFragmentArgs constructs arguments for the fragmenter: a plain MP4
// in, a fragmented MP4 out.
func BuildFragmentArgs(inPath, outPath string) ([]string, error) {
	if inPath == "" || outPath == "" {
		return nil, fmt.Errorf("fragment: missing input or output path")
	}
	return []string{
		"--fragment-duration", strconv.Itoa(FragmentDurationMS),
		inPath,
		outPath,
	}, nil
}

// BuildPackageArgs constructs arguments for the packager: fragmented MP4
// in, segment directory with manifest fragment out. HLS output is emitted
// alongside DASH when hls is set.
func BuildPackageArgs(fragmentedPath, segmentDir string, hls bool) ([]string, error) {
	if fragmentedPath == "" || segmentDir == "" {
		return nil, fmt.Errorf("package: missing input or segment dir")
	}
	args := []string{
		"--use-segment-template",
		"--mpd-name", ManifestName,
		"-f",
		"-o", segmentDir,
	}
	if hls {
		args = append(args, "--hls", "--hls-master-playlist-name", MediaPlaylistName)
	}
	args = append(args, fragmentedPath)
	return args, nil
}

// VerifyPackageOutput checks the packager's success criteria: the manifest
// fragment exists and at least one media segment was produced.
func VerifyPackageOutput(segmentDir string) error {
	if _, err := os.Stat(filepath.Join(segmentDir, ManifestName)); err != nil {
		return fmt.Errorf("manifest fragment missing in %s", segmentDir)
	}

	// Packagers nest segments in per-track subdirectories; walk the tree.
	found := false
	err := filepath.WalkDir(segmentDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found || d.IsDir() {
			return err
		}
		switch filepath.Ext(d.Name()) {
		case ".m4s", ".mp4", ".ts":
			found = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no media segments in %s", segmentDir)
	}
	return nil
}
