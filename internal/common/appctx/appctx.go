// Package appctx builds contexts for work that must not inherit a request's
// cancellation.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context independent of the parent's cancellation,
// bounded by timeout and by stopCh. Parent values remain readable. Use it
// for dispatches that outlive the socket message or queue tick that
// triggered them.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	if stopCh != nil {
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}
