package wearbridge

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	loopRestartBackoff    = 200 * time.Millisecond
	loopRestartMaxBackoff = 30 * time.Second
)

// goSafe runs loop in group and restarts it after a panic with exponential
// backoff until ctx is done. A returned error ends the loop and, as with any
// errgroup member, cancels the group context.
//
// Panics are written to stderr rather than the structured logger, which may
// itself be the source of the panic.
func goSafe(ctx context.Context, group *errgroup.Group, name string, loop func(context.Context) error) {
	if group == nil || loop == nil {
		return
	}
	group.Go(func() error {
		backoff := loopRestartBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			err, recovered := runRecover(ctx, loop)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked, restarting in %s: %v\n%s\n", name, backoff, recovered, debug.Stack())

			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff *= 2
			if backoff > loopRestartMaxBackoff {
				backoff = loopRestartMaxBackoff
			}
		}
	})
}

func runRecover(ctx context.Context, loop func(context.Context) error) (err error, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return loop(ctx), nil
}
