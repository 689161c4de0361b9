package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/perimetric/modelgate/pkg/apierr"
)

// retryBackoff is the pause before the single retry attempt.
const retryBackoff = 250 * time.Millisecond

// Retryable reports whether err is safe to retry for a non-streaming,
// non-side-effecting request. Only transport-level failures qualify:
// protocol violations and 4xx responses will not change on a second attempt,
// and a deadline expiry means the caller's budget is already spent.
func Retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var ge *apierr.Error
	if errors.As(err, &ge) {
		return ge.Kind == apierr.KindUpstreamUnavailable &&
			(ge.UpstreamStatus == 0 || ge.UpstreamStatus >= 500)
	}
	return false
}

// CompleteWithRetry calls fn and retries exactly once on a retryable
// transport failure. Streaming calls must never go through this helper —
// partial output may already have been produced.
func CompleteWithRetry(ctx context.Context, fn func(context.Context) (*ChatResponse, error)) (*ChatResponse, error) {
	resp, err := fn(ctx)
	if err == nil || !Retryable(err) {
		return resp, err
	}

	select {
	case <-ctx.Done():
		return nil, err
	case <-time.After(retryBackoff):
	}

	return fn(ctx)
}
