package util

import "context"

// MergeCtx returns a context that ends when either a or b ends.  Call cancel to release
// the watcher goroutine early.
func MergeCtx(a context.Context, b context.Context) (context.Context, context.CancelFunc) {
	if a == nil || b == nil {
		panic("a or b is nil")
	}
	ctxC, cancel := context.WithCancel(a)
	go loopCtxClose(ctxC, b, cancel)
	return ctxC, cancel
}

func loopCtxClose(
	a context.Context,
	b context.Context,
	cancel context.CancelFunc,
) {
	defer cancel()
	select {
	case <-a.Done():
	case <-b.Done():
	}
}
