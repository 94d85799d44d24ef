package internal

import "context"

// RateLimiter controls bandwidth usage
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}

// ProgressReporter receives streaming progress from the download executor
type ProgressReporter interface {
	Update(current int64)
	Finish()
}

// ProgressFactory creates a reporter for a download of the given total size (-1 when unknown)
type ProgressFactory func(total int64) ProgressReporter
