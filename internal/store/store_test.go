// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamforge/renditiond/internal/model"
)

func testLadder() []model.RenditionSpec {
	return []model.RenditionSpec{
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2800, Codec: "h264"},
	}
}

func newTestJob(id string, created time.Time) *model.JobRecord {
	return model.NewJob(id, model.Asset{ID: id, Path: "/in/" + id + ".mp4"},
		testLadder(), model.SuccessPolicy{Mode: model.PolicyAll}, 0, created)
}

// runStateStoreTests exercises the StateStore contract against any backend.
func runStateStoreTests(t *testing.T, st StateStore) {
	ctx := context.Background()

	t.Run("get_missing", func(t *testing.T) {
		if _, err := st.GetJob(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("put_get_roundtrip", func(t *testing.T) {
		job := newTestJob("a", time.Now())
		if err := st.PutJob(ctx, job); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := st.GetJob(ctx, "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ID != "a" || got.Status != model.JobPending || len(got.Renditions) != 1 {
			t.Fatalf("got %+v", got)
		}

		// Mutating the returned copy must not leak into the store.
		got.Status = model.JobFailed
		again, _ := st.GetJob(ctx, "a")
		if again.Status != model.JobPending {
			t.Fatal("store aliases returned records")
		}
	})

	t.Run("update_increments_version", func(t *testing.T) {
		job := newTestJob("b", time.Now())
		if err := st.PutJob(ctx, job); err != nil {
			t.Fatalf("put: %v", err)
		}
		updated, err := st.UpdateJob(ctx, "b", func(j *model.JobRecord) error {
			j.Status = model.JobRunning
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Version != job.Version+1 {
			t.Errorf("version = %d, want %d", updated.Version, job.Version+1)
		}
		if updated.Status != model.JobRunning {
			t.Errorf("status = %s, want RUNNING", updated.Status)
		}
	})

	t.Run("update_error_aborts", func(t *testing.T) {
		job := newTestJob("c", time.Now())
		if err := st.PutJob(ctx, job); err != nil {
			t.Fatalf("put: %v", err)
		}
		boom := errors.New("boom")
		_, err := st.UpdateJob(ctx, "c", func(j *model.JobRecord) error {
			j.Status = model.JobFailed
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
		got, _ := st.GetJob(ctx, "c")
		if got.Status != model.JobPending {
			t.Fatal("aborted update was persisted")
		}
	})

	t.Run("update_missing", func(t *testing.T) {
		_, err := st.UpdateJob(ctx, "nope", func(j *model.JobRecord) error { return nil })
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list_filters_and_sorts", func(t *testing.T) {
		base := time.Now().Add(-time.Hour)
		for i, id := range []string{"l1", "l2", "l3"} {
			job := newTestJob(id, base.Add(time.Duration(i)*time.Minute))
			if id == "l2" {
				job.Status = model.JobPublished
			}
			if err := st.PutJob(ctx, job); err != nil {
				t.Fatalf("put %s: %v", id, err)
			}
		}

		published, err := st.ListJobs(ctx, model.JobPublished)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(published) != 1 || published[0].ID != "l2" {
			t.Fatalf("published = %v", ids(published))
		}

		all, err := st.ListJobs(ctx, "")
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		for i := 1; i < len(all); i++ {
			if all[i-1].CreatedAtUnix > all[i].CreatedAtUnix {
				t.Fatal("list not sorted by creation time")
			}
		}
	})

	t.Run("delete_idempotent", func(t *testing.T) {
		job := newTestJob("d", time.Now())
		if err := st.PutJob(ctx, job); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := st.DeleteJob(ctx, "d"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := st.DeleteJob(ctx, "d"); err != nil {
			t.Fatalf("second delete: %v", err)
		}
		if _, err := st.GetJob(ctx, "d"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func ids(jobs []*model.JobRecord) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	runStateStoreTests(t, st)
}

func TestBadgerStore(t *testing.T) {
	st, err := OpenBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	runStateStoreTests(t, st)
}

func TestBadgerStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := OpenBadgerStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	job := newTestJob("persist", time.Now())
	job.Status = model.JobRunning
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := OpenBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetJob(ctx, "persist")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != model.JobRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}
}

func TestOpen_Backends(t *testing.T) {
	st, err := Open("memory", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	st.Close()

	st, err = Open("badger", t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	st.Close()

	if _, err := Open("etcd", ""); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestMemoryStore_ConcurrentUpdates(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	job := newTestJob("ctr", time.Now())
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatalf("put: %v", err)
	}

	const writers = 20
	done := make(chan struct{})
	for i := 0; i < writers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := st.UpdateJob(ctx, "ctr", func(j *model.JobRecord) error {
				j.Priority++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	for i := 0; i < writers; i++ {
		<-done
	}

	got, _ := st.GetJob(ctx, "ctr")
	if got.Priority != writers {
		t.Errorf("priority = %d, want %d (lost updates)", got.Priority, writers)
	}
	if got.Version != uint64(writers) {
		t.Errorf("version = %d, want %d", got.Version, writers)
	}
}

func TestBadgerStore_ConcurrentUpdates(t *testing.T) {
	st, err := OpenBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	job := newTestJob("ctr", time.Now())
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatalf("put: %v", err)
	}

	const writers = 20
	done := make(chan struct{})
	for i := 0; i < writers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := st.UpdateJob(ctx, "ctr", func(j *model.JobRecord) error {
				j.Priority++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	for i := 0; i < writers; i++ {
		<-done
	}

	got, _ := st.GetJob(ctx, "ctr")
	if got.Priority != writers {
		t.Errorf("priority = %d, want %d (lost updates)", got.Priority, writers)
	}
	if got.Version != uint64(writers) {
		t.Errorf("version = %d, want %d", got.Version, writers)
	}
}
