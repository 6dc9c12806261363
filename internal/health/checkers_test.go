package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPingChecker(t *testing.T) {
	ok := PingChecker("db", PingFunc(func(context.Context) error { return nil }))
	if s := ok(context.Background()); !s.Healthy || s.Name != "db" {
		t.Fatalf("expected healthy db, got %+v", s)
	}

	down := PingChecker("cache", PingFunc(func(context.Context) error { return errors.New("connection refused") }))
	if s := down(context.Background()); s.Healthy || s.Detail != "connection refused" {
		t.Fatalf("expected unhealthy cache with detail, got %+v", s)
	}
}

func TestPingChecker_Timeout(t *testing.T) {
	slow := PingChecker("db", PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if s := slow(ctx); s.Healthy {
		t.Fatal("expected a hung ping to report unhealthy")
	}
}

func TestRunningChecker(t *testing.T) {
	running := true
	check := RunningChecker("settlement_timer", func() bool { return running })
	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("expected healthy, got %+v", s)
	}
	running = false
	if s := check(context.Background()); s.Healthy || s.Detail != "not running" {
		t.Fatalf("expected not running, got %+v", s)
	}
}

func TestBacklogChecker(t *testing.T) {
	depth := 10
	check := BacklogChecker("directory_queue", func() int { return depth }, 10)
	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("backlog at limit should be healthy, got %+v", s)
	}
	depth = 11
	if s := check(context.Background()); s.Healthy {
		t.Fatal("backlog above limit should be unhealthy")
	}
}

func TestRegistryWithCheckers(t *testing.T) {
	r := NewRegistry()
	r.Register("db", PingChecker("db", PingFunc(func(context.Context) error { return nil })))
	r.Register("timer", RunningChecker("timer", func() bool { return false }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected aggregate unhealthy")
	}
	if len(statuses) != 2 || statuses[1].Name != "timer" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
}
