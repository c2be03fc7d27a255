package stream

import (
	"context"
	"time"
)

// SetSleep replaces the backoff sleep of d.
func SetSleep(d *Driver, fn func(ctx context.Context, delay time.Duration) error) {
	d.sleep = fn
}

// TransitionTo drives d directly to state to.
func TransitionTo(d *Driver, to State) error {
	return d.transition(to, "test")
}
