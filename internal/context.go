package internal

import (
	"context"
	"time"
)

const DefaultTimeout = 5 * time.Second

// WithTimeout bounds ctx by duration, or by DefaultTimeout when duration is
// not positive.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = DefaultTimeout
	}
	return context.WithTimeout(ctx, duration)
}
