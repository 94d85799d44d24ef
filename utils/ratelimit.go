package utils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"reelfetch/internal"
)

// minBurst keeps a single streamed chunk admissible at very low rates
const minBurst = 64 * 1024

// BandwidthLimiter throttles download bandwidth with a token bucket.
// A single limiter may be shared by concurrent downloads; they then split the rate.
type BandwidthLimiter struct {
	mutex   sync.RWMutex
	limiter *rate.Limiter
	rate    int64
}

// NewBandwidthLimiter creates a limiter; a rate <= 0 disables limiting
func NewBandwidthLimiter(bytesPerSecond int64) internal.RateLimiter {
	l := &BandwidthLimiter{}
	l.SetRate(bytesPerSecond)
	return l
}

// Wait blocks until n bytes may be consumed or the context ends
func (l *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	l.mutex.RLock()
	limiter := l.limiter
	l.mutex.RUnlock()

	if limiter == nil {
		return ctx.Err()
	}

	burst := limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		n -= take
	}
	return nil
}

// SetRate changes the rate; waiting callers pick it up on their next chunk
func (l *BandwidthLimiter) SetRate(bytesPerSecond int64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.rate = bytesPerSecond
	if bytesPerSecond <= 0 {
		l.limiter = nil
		return
	}

	burst := int(bytesPerSecond)
	if burst < minBurst {
		burst = minBurst
	}
	l.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Rate returns the configured bytes per second, 0 when unlimited
func (l *BandwidthLimiter) Rate() int64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.rate < 0 {
		return 0
	}
	return l.rate
}

// ParseRateLimit parses human-readable rate limit strings (e.g., "5MB", "512KiB", "1000000")
func ParseRateLimit(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	// accept the "/s" suffix people tend to write
	rateStr = strings.TrimSuffix(strings.TrimSuffix(rateStr, "/s"), "ps")

	n, err := humanize.ParseBytes(rateStr)
	if err != nil {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("rate value overflow")
	}
	return int64(n), nil
}
