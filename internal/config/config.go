// SPDX-License-Identifier: MIT

// Package config holds the environment-driven configuration surface of the
// orchestration engine.
package config

import (
	"fmt"
	"time"

	"github.com/streamforge/renditiond/internal/model"
)

// Config is the full configuration of the daemon. All knobs come from the
// environment; Validate rejects inconsistent combinations before startup.
type Config struct {
	// HTTP
	ListenAddr   string
	RateLimitRPM int // requests per minute per client IP, 0 disables

	// State store
	StoreBackend string // "memory" or "badger"
	StorePath    string

	// Resource pools
	GPUDevices []int // device indexes, one GPU slot each
	CPUSlots   int

	// Pipeline
	Workers        int
	StorageRoot    string
	InboxDir       string // watch-folder ingestion, empty disables
	EnableHLS      bool
	PartialPublish bool
	Policy         model.SuccessPolicy

	// External tools
	FFmpegBin    string
	FFprobeBin   string
	FragmentBin  string
	PackagerBin  string

	// Timeouts and retry
	ProbeTimeout   time.Duration
	EncodeTimeout  time.Duration
	PackageTimeout time.Duration
	SlotTimeout    time.Duration
	AttemptCap     int
	BackoffBase    time.Duration

	// Housekeeping
	Retention     time.Duration
	SweepInterval time.Duration
}

// FromEnv assembles the configuration from RENDITIOND_* environment
// variables, falling back to defaults suitable for local iteration.
func FromEnv() Config {
	policyMode := model.PolicyMode(ParseString("RENDITIOND_POLICY", string(model.PolicyAll)))
	return Config{
		ListenAddr:   ParseString("RENDITIOND_LISTEN", ":8080"),
		RateLimitRPM: ParseInt("RENDITIOND_RATELIMIT_RPM", 300),

		StoreBackend: ParseString("RENDITIOND_STORE", "badger"),
		StorePath:    ParseString("RENDITIOND_STORE_PATH", "/var/lib/renditiond/state"),

		GPUDevices: ParseIntList("RENDITIOND_GPU_DEVICES", nil),
		CPUSlots:   ParseInt("RENDITIOND_CPU_SLOTS", 4),

		Workers:        ParseInt("RENDITIOND_WORKERS", 2),
		StorageRoot:    ParseString("RENDITIOND_STORAGE_ROOT", "/var/lib/renditiond/output"),
		InboxDir:       ParseString("RENDITIOND_INBOX", ""),
		EnableHLS:      ParseBool("RENDITIOND_HLS", true),
		PartialPublish: ParseBool("RENDITIOND_PARTIAL_PUBLISH", false),
		Policy: model.SuccessPolicy{
			Mode:       policyMode,
			MinSuccess: ParseInt("RENDITIOND_POLICY_MIN", 1),
		},

		FFmpegBin:   ParseString("RENDITIOND_FFMPEG", "ffmpeg"),
		FFprobeBin:  ParseString("RENDITIOND_FFPROBE", "ffprobe"),
		FragmentBin: ParseString("RENDITIOND_MP4FRAGMENT", "mp4fragment"),
		PackagerBin: ParseString("RENDITIOND_MP4DASH", "mp4dash"),

		ProbeTimeout:   ParseDuration("RENDITIOND_PROBE_TIMEOUT", 30*time.Second),
		EncodeTimeout:  ParseDuration("RENDITIOND_ENCODE_TIMEOUT", 2*time.Hour),
		PackageTimeout: ParseDuration("RENDITIOND_PACKAGE_TIMEOUT", 15*time.Minute),
		SlotTimeout:    ParseDuration("RENDITIOND_SLOT_TIMEOUT", 5*time.Minute),
		AttemptCap:     ParseInt("RENDITIOND_ATTEMPT_CAP", 3),
		BackoffBase:    ParseDuration("RENDITIOND_BACKOFF_BASE", 2*time.Second),

		Retention:     ParseDuration("RENDITIOND_RETENTION", 24*time.Hour),
		SweepInterval: ParseDuration("RENDITIOND_SWEEP_INTERVAL", 5*time.Minute),
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.CPUSlots < 1 {
		return fmt.Errorf("cpu slot count must be >= 1, got %d", c.CPUSlots)
	}
	if c.Workers < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", c.Workers)
	}
	if c.AttemptCap < 1 {
		return fmt.Errorf("attempt cap must be >= 1, got %d", c.AttemptCap)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage root must not be empty")
	}
	switch c.StoreBackend {
	case "memory":
	case "badger":
		if c.StorePath == "" {
			return fmt.Errorf("badger store requires a store path")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.StoreBackend)
	}
	switch c.Policy.Mode {
	case model.PolicyAll:
	case model.PolicyAtLeast:
		if c.Policy.MinSuccess < 1 {
			return fmt.Errorf("at_least policy requires min success >= 1")
		}
	default:
		return fmt.Errorf("unknown success policy: %s", c.Policy.Mode)
	}
	seen := make(map[int]bool, len(c.GPUDevices))
	for _, d := range c.GPUDevices {
		if d < 0 {
			return fmt.Errorf("gpu device index must be >= 0, got %d", d)
		}
		if seen[d] {
			return fmt.Errorf("duplicate gpu device index %d", d)
		}
		seen[d] = true
	}
	return nil
}
