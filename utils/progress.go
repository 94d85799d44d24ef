package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"

	"reelfetch/internal"
)

const (
	// speedWindow is how many rate samples are kept for the peak and current speed
	speedWindow = 10
	// sampleEvery is the minimum spacing between two rate samples
	sampleEvery = 100 * time.Millisecond
)

const (
	sizedTemplate   = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
	unsizedTemplate = `{{string . "prefix"}}{{counters . }} {{speed . }}`
)

// ProgressTracker draws a byte progress bar for one download attempt and
// records its throughput. It implements internal.ProgressReporter.
type ProgressTracker struct {
	mutex   sync.RWMutex
	bar     *pb.ProgressBar
	out     io.Writer
	quiet   bool
	started time.Time
	total   int64
	written int64
	summary *DownloadSummary

	sampledAt    time.Time
	sampledBytes int64
	rates        []float64
}

// DownloadSummary describes a finished attempt; speeds are bytes per second
type DownloadSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64
	PeakSpeed    float64
}

// NewProgressTracker draws on stderr; total is -1 when the size is unknown
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	return NewProgressTrackerTo(os.Stderr, total, quiet)
}

func NewProgressTrackerTo(out io.Writer, total int64, quiet bool) *ProgressTracker {
	now := time.Now()
	p := &ProgressTracker{
		out:       out,
		quiet:     quiet,
		started:   now,
		total:     total,
		sampledAt: now,
	}
	if quiet {
		return p
	}

	tmpl := sizedTemplate
	if total <= 0 {
		tmpl = unsizedTemplate
	}
	bar := pb.ProgressBarTemplate(tmpl).New(0)
	bar.SetTotal(max(total, 0))
	bar.SetWriter(out)
	bar.Set(pb.Bytes, true)
	bar.Set(pb.SIBytesPrefix, true)
	bar.Set("prefix", "Downloading: ")
	p.bar = bar.Start()
	return p
}

// NewProgressFactory returns the factory the download executor calls once per attempt
func NewProgressFactory(out io.Writer, quiet bool) internal.ProgressFactory {
	return func(total int64) internal.ProgressReporter {
		return NewProgressTrackerTo(out, total, quiet)
	}
}

// Update records the bytes written so far
func (p *ProgressTracker) Update(written int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.written = written
	if p.bar != nil {
		p.bar.SetCurrent(written)
	}

	now := time.Now()
	elapsed := now.Sub(p.sampledAt)
	if elapsed <= sampleEvery {
		return
	}
	p.rates = append(p.rates, float64(written-p.sampledBytes)/elapsed.Seconds())
	if len(p.rates) > speedWindow {
		p.rates = p.rates[len(p.rates)-speedWindow:]
	}
	p.sampledAt = now
	p.sampledBytes = written
}

// Finish stops the bar and freezes the summary. Later calls do nothing.
func (p *ProgressTracker) Finish() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.summary != nil {
		return
	}
	if p.bar != nil {
		p.bar.Finish()
	}

	s := &DownloadSummary{TotalBytes: p.written, TotalTime: time.Since(p.started)}
	if secs := s.TotalTime.Seconds(); secs > 0 {
		s.AverageSpeed = float64(p.written) / secs
	}
	for _, r := range p.rates {
		s.PeakSpeed = max(s.PeakSpeed, r)
	}
	p.summary = s

	if !p.quiet {
		fmt.Fprintf(p.out, "Downloaded %s in %v (avg %s/s)\n",
			humanize.Bytes(uint64(s.TotalBytes)),
			s.TotalTime.Round(time.Millisecond),
			humanize.Bytes(uint64(s.AverageSpeed)))
	}
}

// Summary is nil until Finish
func (p *ProgressTracker) Summary() *DownloadSummary {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.summary
}

// GetCurrentStats averages the newest three rate samples into the current speed
func (p *ProgressTracker) GetCurrentStats() (speed float64, eta time.Duration, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if recent := p.rates[max(len(p.rates)-3, 0):]; len(recent) > 0 {
		for _, r := range recent {
			speed += r
		}
		speed /= float64(len(recent))
	}
	if speed > 0 && p.total > p.written {
		eta = time.Duration(float64(p.total-p.written) / speed * float64(time.Second))
	}
	if p.total > 0 {
		percentage = float64(p.written) / float64(p.total) * 100
	}
	return speed, eta, percentage
}

func (p *ProgressTracker) IsQuiet() bool { return p.quiet }
