package health

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single Ping-style check.
const DefaultTimeout = 2 * time.Second

// Pinger reports reachability. *sql.DB satisfies it; wrap other pings
// with PingFunc.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain ping function to Pinger.
type PingFunc func(ctx context.Context) error

// PingContext implements Pinger.
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// PingChecker reports unhealthy when p does not answer within DefaultTimeout.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// RunningChecker reports whether a background loop is still running.
func RunningChecker(name string, running func() bool) Checker {
	return func(_ context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// BacklogChecker reports unhealthy once a queue holds more than limit items.
func BacklogChecker(name string, depth func() int, limit int) Checker {
	return func(_ context.Context) Status {
		n := depth()
		if n > limit {
			return Status{Name: name, Healthy: false, Detail: "backlog above limit"}
		}
		return Status{Name: name, Healthy: true}
	}
}
