package supervisor

import (
	"time"
)

// Decision is the outcome of RestartPolicy for one crash.
type Decision struct {
	Retry bool
	After time.Duration
}

// RestartPolicy decides whether a crashed worker gets another attempt. It is
// a pure function of the restart count: a fixed delay between attempts up to
// a maximum, then abandonment. Unbounded retry on a permanently broken
// credential would spin-loop; abandonment surfaces the failure instead.
type RestartPolicy struct {
	Delay       time.Duration
	MaxRestarts int
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() RestartPolicy {
	return RestartPolicy{Delay: 15 * time.Second, MaxRestarts: 10}
}

// Decide returns the action for a worker that has crashed restartCount times.
func (p RestartPolicy) Decide(restartCount int) Decision {
	if restartCount > p.MaxRestarts {
		return Decision{Retry: false}
	}
	delay := p.Delay
	if delay <= 0 {
		delay = 15 * time.Second
	}
	return Decision{Retry: true, After: delay}
}
