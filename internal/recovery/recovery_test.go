// SPDX-License-Identifier: MIT

package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/store"
)

func crashedJob(id string, status model.JobStatus) *model.JobRecord {
	job := model.NewJob(id, model.Asset{ID: id, Path: "/in/" + id + ".mp4"},
		[]model.RenditionSpec{
			{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2800, Codec: "h264", AllowSoftware: true},
		},
		model.SuccessPolicy{Mode: model.PolicyAll}, 2, time.Now())
	job.Status = status
	return job
}

type enqueueLog struct {
	ids []string
}

func (e *enqueueLog) enqueue(jobID string, priority int) { e.ids = append(e.ids, jobID) }

func TestRecoverOnStartup_RequeuesPending(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	if err := st.PutJob(ctx, crashedJob("p1", model.JobPending)); err != nil {
		t.Fatal(err)
	}

	var eq enqueueLog
	if err := RecoverOnStartup(ctx, st, t.TempDir(), eq.enqueue, zerolog.Nop()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(eq.ids) != 1 || eq.ids[0] != "p1" {
		t.Fatalf("enqueued = %v, want [p1]", eq.ids)
	}
}

func TestRecoverOnStartup_FinalizesRequestedCancels(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	running := crashedJob("c1", model.JobRunning)
	running.CancelRequested = true
	pending := crashedJob("c2", model.JobPending)
	pending.CancelRequested = true
	for _, j := range []*model.JobRecord{running, pending} {
		if err := st.PutJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	var eq enqueueLog
	if err := RecoverOnStartup(ctx, st, t.TempDir(), eq.enqueue, zerolog.Nop()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if len(eq.ids) != 0 {
		t.Fatalf("enqueued = %v, cancel-requested jobs must not re-run", eq.ids)
	}
	for _, id := range []string{"c1", "c2"} {
		got, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != model.JobCancelled {
			t.Errorf("%s status = %s, want CANCELLED", id, got.Status)
		}
		if got.CompletedAtUnix == 0 {
			t.Errorf("%s completion timestamp not stamped", id)
		}
	}
}

func TestRecoverOnStartup_ResetsInterruptedStages(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	job := crashedJob("r1", model.JobRunning)
	now := time.Now()
	job.Probe.Begin(now) // crashed mid-probe, no metadata recorded
	job.Renditions[0].Encode.Begin(now)
	job.Renditions[0].Encode.Begin(now) // second attempt was in flight
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	var eq enqueueLog
	if err := RecoverOnStartup(ctx, st, t.TempDir(), eq.enqueue, zerolog.Nop()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, err := st.GetJob(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.JobPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.Probe.Status != model.StagePending || got.Probe.Reason != model.RCrashRecovery {
		t.Errorf("probe = %s/%s", got.Probe.Status, got.Probe.Reason)
	}
	enc := got.Renditions[0].Encode
	if enc.Status != model.StagePending {
		t.Errorf("encode = %s, want PENDING", enc.Status)
	}
	if enc.Attempts != 2 {
		t.Errorf("encode attempts = %d, recovery must preserve the count", enc.Attempts)
	}
	if len(eq.ids) != 1 || eq.ids[0] != "r1" {
		t.Fatalf("enqueued = %v, want [r1]", eq.ids)
	}
}

func TestRecoverOnStartup_KeepsProbedMetadata(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	job := crashedJob("r2", model.JobRunning)
	job.Probe.Begin(time.Now())
	job.Asset.Probed = &model.MediaInfo{DurationSec: 42, VideoCodec: "h264", Width: 1280, Height: 720}
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	var eq enqueueLog
	if err := RecoverOnStartup(ctx, st, t.TempDir(), eq.enqueue, zerolog.Nop()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, _ := st.GetJob(ctx, "r2")
	if got.Probe.Status != model.StageSucceeded {
		t.Errorf("probe = %s, recorded metadata proves completion", got.Probe.Status)
	}
}

func TestRecoverOnStartup_VerifiesCompletedPackage(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	storageRoot := t.TempDir()

	// The packager finished on disk but the crash hit before the success
	// transition committed.
	segDir := filepath.Join(storageRoot, "r3", "720p")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"stream.mpd", "seg_1.m4s"} {
		if err := os.WriteFile(filepath.Join(segDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	job := crashedJob("r3", model.JobRunning)
	now := time.Now()
	job.Probe.Begin(now)
	job.Probe.Succeed(now)
	job.Asset.Probed = &model.MediaInfo{DurationSec: 42, VideoCodec: "h264"}
	r := job.Renditions[0]
	r.Encode.Begin(now)
	r.Encode.Succeed(now)
	r.Fragment.Begin(now)
	r.Fragment.Succeed(now)
	r.Package.Begin(now)
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	var eq enqueueLog
	if err := RecoverOnStartup(ctx, st, storageRoot, eq.enqueue, zerolog.Nop()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, _ := st.GetJob(ctx, "r3")
	pkg := got.Renditions[0].Package
	if pkg.Status != model.StageSucceeded {
		t.Errorf("package = %s, verified output must not re-run", pkg.Status)
	}
	if got.Renditions[0].SegmentDir != segDir {
		t.Errorf("segment dir = %q, want %q", got.Renditions[0].SegmentDir, segDir)
	}
	if got.Renditions[0].ManifestPath == "" {
		t.Error("manifest path not derived during verification")
	}
}

func TestRecoverOnStartup_IgnoresTerminalJobs(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	done := crashedJob("t1", model.JobPublished)
	if err := st.PutJob(ctx, done); err != nil {
		t.Fatal(err)
	}

	var eq enqueueLog
	if err := RecoverOnStartup(ctx, st, t.TempDir(), eq.enqueue, zerolog.Nop()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(eq.ids) != 0 {
		t.Fatalf("terminal job re-enqueued: %v", eq.ids)
	}
}

// Running recovery twice converges to the same state.
func TestRecoverOnStartup_Idempotent(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	job := crashedJob("i1", model.JobRunning)
	job.Renditions[0].Encode.Begin(time.Now())
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	var eq enqueueLog
	for i := 0; i < 2; i++ {
		if err := RecoverOnStartup(ctx, st, t.TempDir(), eq.enqueue, zerolog.Nop()); err != nil {
			t.Fatalf("recover pass %d: %v", i, err)
		}
	}

	got, _ := st.GetJob(ctx, "i1")
	if got.Status != model.JobPending {
		t.Errorf("status = %s", got.Status)
	}
	if got.Renditions[0].Encode.Attempts != 1 {
		t.Errorf("attempts = %d, second pass must not change state", got.Renditions[0].Encode.Attempts)
	}
}

func TestSweeper_ArchivesExpiredTerminalJobs(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	storageRoot := t.TempDir()

	old := crashedJob("old", model.JobPublished)
	old.CompletedAtUnix = time.Now().Add(-48 * time.Hour).Unix()
	fresh := crashedJob("fresh", model.JobFailed)
	fresh.CompletedAtUnix = time.Now().Unix()
	active := crashedJob("active", model.JobRunning)
	for _, j := range []*model.JobRecord{old, fresh, active} {
		if err := st.PutJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	workDir := filepath.Join(storageRoot, "old", "work")
	segDir := filepath.Join(storageRoot, "old", "720p")
	for _, d := range []string{workDir, segDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	s := &Sweeper{
		Store:       st,
		StorageRoot: storageRoot,
		Conf:        SweeperConfig{Retention: 24 * time.Hour},
		Logger:      zerolog.Nop(),
	}
	if err := s.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := st.GetJob(ctx, "old"); err != store.ErrNotFound {
		t.Errorf("expired job not archived: %v", err)
	}
	if _, err := st.GetJob(ctx, "fresh"); err != nil {
		t.Errorf("fresh terminal job swept: %v", err)
	}
	if _, err := st.GetJob(ctx, "active"); err != nil {
		t.Errorf("running job swept: %v", err)
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Error("scratch dir not removed")
	}
	if _, err := os.Stat(segDir); err != nil {
		t.Error("published output removed, must stay for delivery")
	}
}
