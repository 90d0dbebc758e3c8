package syncjob

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusRetrying, StatusQueued, true},
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusQueued, false},
		{StatusPending, StatusProcessing, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusQueued, StatusProcessing, StatusRetrying} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestLess_PriorityThenTimeThenID(t *testing.T) {
	now := time.Now()
	low := &SyncJob{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Priority: 1, CreatedAt: now}
	high := &SyncJob{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Priority: 3, CreatedAt: now}
	if !Less(low, high) {
		t.Error("priority 1 job should sort before priority 3 job")
	}

	sameTimeA := &SyncJob{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Priority: 1, CreatedAt: now}
	sameTimeB := &SyncJob{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Priority: 1, CreatedAt: now}
	if !Less(sameTimeA, sameTimeB) {
		t.Error("equal priority and time should tie-break on lower job id")
	}

	earlier := &SyncJob{ID: uuid.New(), Priority: 1, CreatedAt: now}
	later := &SyncJob{ID: uuid.New(), Priority: 1, CreatedAt: now.Add(time.Second)}
	if !Less(earlier, later) {
		t.Error("equal priority should order by creation time")
	}
}

func TestDuration(t *testing.T) {
	j := &SyncJob{}
	if j.Duration() != 0 {
		t.Error("duration should be zero before job starts/completes")
	}
	start := time.Now()
	end := start.Add(5 * time.Second)
	j.StartedAt, j.CompletedAt = &start, &end
	if j.Duration() != 5*time.Second {
		t.Errorf("got duration %v, want 5s", j.Duration())
	}
}
