package httpapi

import (
	"context"
)

// serverBaseCtx is canceled on daemon shutdown so in-flight streams unwind
// instead of outliving the listener. Defaults to Background if never set.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context canceled when either a or b is done. The
// returned cancel must be called when the handler ends to release the
// watcher goroutine.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		}
	}()
	return ctx, cancel
}
