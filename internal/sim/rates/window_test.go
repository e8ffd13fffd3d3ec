package rates

import (
	"testing"
	"time"
)

func TestAllow_FixedWindow(t *testing.T) {
	t0 := time.Unix(1000, 0)
	var (
		start time.Time
		count int
		ok    bool
		retry time.Duration
	)
	for i := 0; i < 3; i++ {
		start, count, ok, _ = Allow(t0.Add(time.Duration(i)*time.Millisecond), start, count, time.Second, 3)
		if !ok {
			t.Fatalf("event %d should pass", i)
		}
	}
	start, count, ok, retry = Allow(t0.Add(100*time.Millisecond), start, count, time.Second, 3)
	if ok {
		t.Fatalf("4th event in window should be limited")
	}
	if retry != 900*time.Millisecond {
		t.Fatalf("retry: got=%s want=900ms", retry)
	}
	_, count, ok, _ = Allow(t0.Add(time.Second), start, count, time.Second, 3)
	if !ok || count != 1 {
		t.Fatalf("new window: ok=%v count=%d", ok, count)
	}
}

func TestAllow_Disabled(t *testing.T) {
	_, _, ok, _ := Allow(time.Now(), time.Time{}, 100, 0, 1)
	if !ok {
		t.Fatalf("zero window must not limit")
	}
}

func TestLimiter_PerKey(t *testing.T) {
	l := NewLimiter(time.Second, 1)
	now := time.Unix(50, 0)
	if ok, _ := l.Allow("a", now); !ok {
		t.Fatalf("a first")
	}
	if ok, _ := l.Allow("a", now); ok {
		t.Fatalf("a second should be limited")
	}
	if ok, _ := l.Allow("b", now); !ok {
		t.Fatalf("b is independent")
	}
	l.Forget("a")
	if ok, _ := l.Allow("a", now); !ok {
		t.Fatalf("a after forget")
	}
}
