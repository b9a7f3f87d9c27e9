package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/agenthub/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fired struct {
	mu  sync.Mutex
	ids []string // "msgID@agentID"
}

func (f *fired) fn(msgID, agentID string) {
	f.mu.Lock()
	f.ids = append(f.ids, msgID+"@"+agentID)
	f.mu.Unlock()
}

func (f *fired) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

func waitFor(t *testing.T, f *fired, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := f.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d expirations, got %v", n, f.snapshot())
	return nil
}

func startScheduler(t *testing.T) (*scheduler.Scheduler, *fired) {
	t.Helper()
	s := scheduler.New()
	f := &fired{}
	s.Start(context.Background(), f.fn)
	t.Cleanup(s.Stop)
	return s, f
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestScheduler_PastDeadlineFiresImmediately(t *testing.T) {
	s, f := startScheduler(t)
	s.Schedule("m1", "a", time.Now().Add(-time.Second))

	got := waitFor(t, f, 1, time.Second)
	if got[0] != "m1@a" {
		t.Fatalf("unexpected expiration %v", got)
	}
	if s.Len() != 0 {
		t.Fatalf("Len: want 0, got %d", s.Len())
	}
}

func TestScheduler_FiresInDeadlineOrder(t *testing.T) {
	s, f := startScheduler(t)
	now := time.Now()
	s.Schedule("late", "a", now.Add(90*time.Millisecond))
	s.Schedule("early", "a", now.Add(30*time.Millisecond))
	s.Schedule("mid", "b", now.Add(60*time.Millisecond))

	got := waitFor(t, f, 3, 2*time.Second)
	want := []string{"early@a", "mid@b", "late@a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: want %v, got %v", want, got)
		}
	}
}

func TestScheduler_EarlierDeadlineInterruptsSleep(t *testing.T) {
	s, f := startScheduler(t)
	s.Schedule("far", "a", time.Now().Add(time.Hour))
	time.Sleep(10 * time.Millisecond)
	s.Schedule("near", "a", time.Now().Add(20*time.Millisecond))

	got := waitFor(t, f, 1, time.Second)
	if got[0] != "near@a" {
		t.Fatalf("want near to fire first, got %v", got)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s, f := startScheduler(t)
	s.Schedule("keep", "a", time.Now().Add(40*time.Millisecond))
	s.Schedule("drop", "a", time.Now().Add(20*time.Millisecond))
	s.Cancel("drop")
	s.Cancel("never-scheduled")

	waitFor(t, f, 1, time.Second)
	time.Sleep(50 * time.Millisecond)
	got := f.snapshot()
	if len(got) != 1 || got[0] != "keep@a" {
		t.Fatalf("want only keep to fire, got %v", got)
	}
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	s, f := startScheduler(t)
	s.Schedule("m", "a", time.Now().Add(time.Hour))
	s.Schedule("m", "a", time.Now().Add(10*time.Millisecond))
	if s.Len() != 1 {
		t.Fatalf("Len: want 1, got %d", s.Len())
	}
	waitFor(t, f, 1, time.Second)
}

func TestScheduler_CountByAgent(t *testing.T) {
	s := scheduler.New()
	for i := 0; i < 3; i++ {
		s.Schedule(fmt.Sprintf("a-%d", i), "a", time.Now().Add(time.Hour))
	}
	s.Schedule("b-0", "b", time.Now().Add(time.Hour))

	if n := s.CountByAgent("a"); n != 3 {
		t.Fatalf("CountByAgent(a): want 3, got %d", n)
	}
	if n := s.CountByAgent("c"); n != 0 {
		t.Fatalf("CountByAgent(c): want 0, got %d", n)
	}
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := scheduler.New()
	s.Start(context.Background(), func(string, string) {})
	s.Stop()
	s.Stop()
}

func TestScheduler_ContextCancelStopsLoop(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fired{}
	s.Start(ctx, f.fn)
	cancel()
	s.Stop()

	s.Schedule("m", "a", time.Now().Add(-time.Second))
	time.Sleep(20 * time.Millisecond)
	if len(f.snapshot()) != 0 {
		t.Fatal("no expirations expected after the loop stopped")
	}
}
