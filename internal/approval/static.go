package approval

import (
	"context"
	"time"
)

// StaticVerifier returns a fixed verdict, optionally after a delay. It
// backs tests and the --approve-all development mode; never point it at
// real work without rules in front of it.
type StaticVerifier struct {
	Decision Decision
	Err      error

	// Delay simulates judge latency. Cancellation wins over the delay.
	Delay time.Duration
}

// Verify implements Verifier.
func (v StaticVerifier) Verify(ctx context.Context, text string) (Decision, error) {
	if v.Delay > 0 {
		select {
		case <-time.After(v.Delay):
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	return v.Decision, v.Err
}
