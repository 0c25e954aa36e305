package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestJobRegistry_Lifecycle(t *testing.T) {
	events := &eventLog{}
	reg := NewJobRegistry(RegistryConfig{}, events, nil)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	snap, err := reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Status != StatusPending {
		t.Errorf("status = %s, want pending", snap.Status)
	}

	if _, err := reg.Begin(id, 10); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	snap, err = reg.ApplyProgress(id, ProgressDelta{Success: 3, Errors: 1, RowErrors: []RowError{{Row: 4, Message: "bad"}}})
	if err != nil {
		t.Fatalf("ApplyProgress() error = %v", err)
	}
	if snap.Processed != 4 || snap.ProgressPercent != 40 {
		t.Errorf("processed = %d, percent = %d, want 4 and 40", snap.Processed, snap.ProgressPercent)
	}
	if len(snap.RecentErrors) != 1 || snap.RecentErrors[0].Row != 4 {
		t.Errorf("recent errors = %+v", snap.RecentErrors)
	}

	if _, err := reg.ApplyProgress(id, ProgressDelta{Success: 6}); err != nil {
		t.Fatalf("ApplyProgress() error = %v", err)
	}
	final, err := reg.Complete(id, Counters{Total: 10, Processed: 10, Success: 9, Errors: 1})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if final.Status != StatusCompleted || final.Outcome != OutcomePartialSuccess {
		t.Errorf("status = %s, outcome = %s, want completed partial_success", final.Status, final.Outcome)
	}
	if final.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	evs := events.forJob(id)
	wantTypes := []EventType{EventCreated, EventProgress, EventProgress, EventProgress, EventCompleted}
	if len(evs) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(evs), len(wantTypes))
	}
	for i, e := range evs {
		if e.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, e.Type, wantTypes[i])
		}
		if e.Version != uint64(i+1) {
			t.Errorf("event %d version = %d, want %d", i, e.Version, i+1)
		}
	}
	assertCounterInvariants(t, evs)
}

func TestJobRegistry_Transitions(t *testing.T) {
	ctx := context.Background()
	reg := NewJobRegistry(RegistryConfig{}, nil, nil)

	t.Run("begin twice is refused", func(t *testing.T) {
		id := createJob(t, reg, ImportProducts, DefaultImportOptions())
		if _, err := reg.Begin(id, 5); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if _, err := reg.Begin(id, 5); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second Begin() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("progress before begin", func(t *testing.T) {
		id := createJob(t, reg, ImportProducts, DefaultImportOptions())
		if _, err := reg.ApplyProgress(id, ProgressDelta{Success: 1}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("ApplyProgress() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("complete after cancel", func(t *testing.T) {
		id := createJob(t, reg, ImportProducts, DefaultImportOptions())
		reg.Begin(id, 5)
		reg.Cancel(id)
		if _, err := reg.Complete(id, Counters{Total: 5}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Complete() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("fail from pending", func(t *testing.T) {
		id := createJob(t, reg, ImportProducts, DefaultImportOptions())
		snap, err := reg.Fail(id, "file contains no data rows")
		if err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		if snap.Status != StatusError || snap.Outcome != OutcomeFailure {
			t.Errorf("status = %s, outcome = %s", snap.Status, snap.Outcome)
		}
	})

	t.Run("fail after complete", func(t *testing.T) {
		id := createJob(t, reg, ImportProducts, DefaultImportOptions())
		reg.Begin(id, 1)
		reg.ApplyProgress(id, ProgressDelta{Success: 1})
		reg.Complete(id, Counters{Total: 1, Processed: 1, Success: 1})
		if _, err := reg.Fail(id, "late"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Fail() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		if _, err := reg.Begin("nope", 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("Begin() error = %v, want ErrNotFound", err)
		}
		if _, err := reg.Cancel("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Cancel() error = %v, want ErrNotFound", err)
		}
		if _, err := reg.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("unknown import type", func(t *testing.T) {
		if _, err := reg.Create("orders", "tenant-a", JobMeta{}); !errors.Is(err, ErrUnknownImportType) {
			t.Errorf("Create() error = %v, want ErrUnknownImportType", err)
		}
	})
}

func TestJobRegistry_CounterInvariants(t *testing.T) {
	reg := NewJobRegistry(RegistryConfig{}, nil, nil)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())
	reg.Begin(id, 3)

	tests := []struct {
		name  string
		delta ProgressDelta
	}{
		{"exceeds total", ProgressDelta{Success: 2, Errors: 2}},
		{"negative", ProgressDelta{Success: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.ApplyProgress(id, tt.delta); !errors.Is(err, ErrInvalidCounters) {
				t.Errorf("ApplyProgress() error = %v, want ErrInvalidCounters", err)
			}
		})
	}

	snap, _ := reg.Get(context.Background(), id)
	if snap.Processed != 0 {
		t.Errorf("rejected deltas changed processed to %d", snap.Processed)
	}

	if _, err := reg.Complete(id, Counters{Total: 3, Processed: 3, Success: 1, Errors: 1}); !errors.Is(err, ErrInvalidCounters) {
		t.Errorf("Complete() error = %v, want ErrInvalidCounters", err)
	}
}

func TestJobRegistry_TerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	reg := NewJobRegistry(RegistryConfig{}, nil, nil)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())
	reg.Begin(id, 10)
	reg.ApplyProgress(id, ProgressDelta{Success: 2})

	cancelled, err := reg.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	late, err := reg.ApplyProgress(id, ProgressDelta{Success: 3})
	if err != nil {
		t.Fatalf("late ApplyProgress() error = %v, want nil", err)
	}
	if !reflect.DeepEqual(late, cancelled) {
		t.Errorf("late progress changed the snapshot:\n got %+v\nwant %+v", late, cancelled)
	}

	current, _ := reg.Get(ctx, id)
	if current.Processed != 2 || current.Version != cancelled.Version {
		t.Errorf("after late progress: processed = %d version = %d, want 2 and %d", current.Processed, current.Version, cancelled.Version)
	}
}

func TestJobRegistry_Idempotence(t *testing.T) {
	reg := NewJobRegistry(RegistryConfig{}, nil, nil)

	ops := []struct {
		name string
		do   func(id string) (ProgressSnapshot, error)
	}{
		{"complete", func(id string) (ProgressSnapshot, error) {
			return reg.Complete(id, Counters{Total: 2, Processed: 2, Success: 2})
		}},
		{"fail", func(id string) (ProgressSnapshot, error) { return reg.Fail(id, "boom") }},
		{"cancel", func(id string) (ProgressSnapshot, error) { return reg.Cancel(id) }},
	}

	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			id := createJob(t, reg, ImportProducts, DefaultImportOptions())
			reg.Begin(id, 2)
			reg.ApplyProgress(id, ProgressDelta{Success: 2})

			first, err := op.do(id)
			if err != nil {
				t.Fatalf("first call error = %v", err)
			}
			second, err := op.do(id)
			if err != nil {
				t.Fatalf("second call error = %v", err)
			}
			if !reflect.DeepEqual(first, second) {
				t.Errorf("second call changed the snapshot:\n got %+v\nwant %+v", second, first)
			}
		})
	}
}

func TestJobRegistry_TotalFailureIsError(t *testing.T) {
	reg := NewJobRegistry(RegistryConfig{}, nil, nil)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())
	reg.Begin(id, 2)
	reg.ApplyProgress(id, ProgressDelta{Errors: 2, RowErrors: []RowError{
		{Row: 2, Rule: RuleUniqueness, Kind: KindValidation, Message: `record "A" already exists`},
		{Row: 3, Rule: RuleUniqueness, Kind: KindValidation, Message: `record "B" already exists`},
	}})

	snap, err := reg.Complete(id, Counters{Total: 2, Processed: 2, Errors: 2})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if snap.Status != StatusError {
		t.Errorf("status = %s, want error", snap.Status)
	}
	if snap.Reason != "all records already exist, enable overwrite to update them" {
		t.Errorf("reason = %q", snap.Reason)
	}
}

func TestJobRegistry_BoundsStoredErrors(t *testing.T) {
	ctx := context.Background()
	reg := NewJobRegistry(RegistryConfig{MaxStoredErrors: 3, RecentErrors: 2}, nil, nil)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())
	reg.Begin(id, 5)

	var errs []RowError
	for i := 1; i <= 5; i++ {
		errs = append(errs, RowError{Row: i + 1, Message: "bad"})
	}
	snap, err := reg.ApplyProgress(id, ProgressDelta{Errors: 5, RowErrors: errs})
	if err != nil {
		t.Fatalf("ApplyProgress() error = %v", err)
	}

	job, _ := reg.Job(ctx, id)
	if len(job.RowErrors) != 3 || job.OmittedErrors != 2 {
		t.Errorf("stored %d errors, omitted %d, want 3 and 2", len(job.RowErrors), job.OmittedErrors)
	}
	if len(snap.RecentErrors) != 2 || snap.RecentErrors[1].Row != 6 {
		t.Errorf("recent errors = %+v, want the last two rows", snap.RecentErrors)
	}
}

func TestJobRegistry_TenantScope(t *testing.T) {
	ctx := context.Background()
	reg := NewJobRegistry(RegistryConfig{}, nil, nil)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	if _, err := reg.GetForTenant(ctx, id, "tenant-a"); err != nil {
		t.Errorf("owner GetForTenant() error = %v", err)
	}
	if _, err := reg.GetForTenant(ctx, id, "tenant-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other tenant GetForTenant() error = %v, want ErrNotFound", err)
	}
	if _, err := reg.JobForTenant(ctx, id, "tenant-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other tenant JobForTenant() error = %v, want ErrNotFound", err)
	}
}

func TestJobRegistry_EvictionFallsBackToArchive(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := NewJobRegistry(RegistryConfig{Retention: time.Minute}, nil, store)

	id := createJob(t, reg, ImportProducts, DefaultImportOptions())
	reg.Begin(id, 1)
	reg.ApplyProgress(id, ProgressDelta{Success: 1})
	final, _ := reg.Complete(id, Counters{Total: 1, Processed: 1, Success: 1})

	if evicted := reg.EvictExpired(time.Now()); len(evicted) != 0 {
		t.Fatalf("evicted %d jobs inside the retention window", len(evicted))
	}
	evicted := reg.EvictExpired(time.Now().Add(2 * time.Minute))
	if len(evicted) != 1 || evicted[0].ID != id {
		t.Fatalf("evicted = %+v, want job %s", evicted, id)
	}

	snap, err := reg.GetForTenant(ctx, id, "tenant-a")
	if err != nil {
		t.Fatalf("GetForTenant() after eviction error = %v", err)
	}
	if snap.Status != StatusCompleted || snap.Version != final.Version || snap.Success != 1 {
		t.Errorf("archived snapshot = %+v, want the final state", snap)
	}
	if _, err := reg.Cancel(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel() of evicted job error = %v, want ErrNotFound", err)
	}
}

func TestJobRegistry_ETA(t *testing.T) {
	reg := NewJobRegistry(RegistryConfig{}, nil, nil)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	snap, _ := reg.Begin(id, 100)
	if _, ok := snap.EstimatedTimeRemaining(); ok {
		t.Error("ETA present before the first batch")
	}

	snap, _ = reg.ApplyProgress(id, ProgressDelta{Success: 20, Velocity: 40})
	eta, ok := snap.EstimatedTimeRemaining()
	if !ok {
		t.Fatal("ETA missing after the first batch")
	}
	if eta != 2*time.Second {
		t.Errorf("ETA = %v, want 2s for 80 rows at 40 rows/s", eta)
	}
}
