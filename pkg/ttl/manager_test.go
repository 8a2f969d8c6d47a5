package ttl

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterRejectsInvalidCronSpec(t *testing.T) {
	m := NewManager(context.Background(), nil)
	if err := m.Register("bad", "not a cron spec", func(ctx context.Context) (int64, error) { return 0, nil }); err == nil {
		t.Fatal("expected Register to reject a malformed cron spec")
	}
	if stats := m.GetStats(); len(stats) != 0 {
		t.Errorf("GetStats() after failed Register = %v, want empty (job should not remain registered)", stats)
	}
}

func TestRegisterAcceptsValidCronSpec(t *testing.T) {
	m := NewManager(context.Background(), nil)
	if err := m.Register("inflight_sweep", "*/1 * * * *", func(ctx context.Context) (int64, error) { return 0, nil }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func TestRunUpdatesStatsOnSuccess(t *testing.T) {
	m := NewManager(context.Background(), nil)
	if err := m.Register("peer_sweep", "*/1 * * * *", func(ctx context.Context) (int64, error) { return 4, nil }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.mu.RLock()
	j := m.jobs["peer_sweep"]
	m.mu.RUnlock()
	m.run(j)

	stats := m.GetStats()
	if len(stats) != 1 {
		t.Fatalf("len(stats) = %d, want 1", len(stats))
	}
	if stats[0].TotalRuns != 1 || stats[0].TotalRemoved != 4 || stats[0].LastRemoved != 4 {
		t.Errorf("stats = %+v, want TotalRuns=1 TotalRemoved=4 LastRemoved=4", stats[0])
	}
	if stats[0].LastError != "" {
		t.Errorf("LastError = %q, want empty", stats[0].LastError)
	}
}

func TestRunRecordsErrorWithoutAccumulatingRemoved(t *testing.T) {
	m := NewManager(context.Background(), nil)
	sentinel := errors.New("sweep failed")
	if err := m.Register("inflight_sweep", "*/1 * * * *", func(ctx context.Context) (int64, error) { return 0, sentinel }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.mu.RLock()
	j := m.jobs["inflight_sweep"]
	m.mu.RUnlock()
	m.run(j)

	stats := m.GetStats()
	if stats[0].LastError != sentinel.Error() {
		t.Errorf("LastError = %q, want %q", stats[0].LastError, sentinel.Error())
	}
	if stats[0].TotalRemoved != 0 {
		t.Errorf("TotalRemoved = %d, want 0 on failed sweep", stats[0].TotalRemoved)
	}
}
