package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"reelfetch/internal"
	"reelfetch/utils"
)

// chunkSize is the streaming buffer; payloads are never held in memory whole
const chunkSize = 32 * 1024

// ExecutorOptions configure a DownloadExecutor
type ExecutorOptions struct {
	// MaxPayload rejects bodies larger than this many bytes; zero disables the check
	MaxPayload int64
	// AttemptTimeout bounds a single Fetch including the body stream
	AttemptTimeout time.Duration
	RateLimiter    internal.RateLimiter
	Progress       internal.ProgressFactory
}

// DownloadExecutor streams a resolved media URL into a workspace
type DownloadExecutor struct {
	httpClient *utils.HTTPClient
	fileOps    *utils.FileOperations
	opts       ExecutorOptions
}

// NewDownloadExecutor creates an executor on the shared client, so downloads
// leave through the same proxy and header set as resolution
func NewDownloadExecutor(httpClient *utils.HTTPClient, opts ExecutorOptions) *DownloadExecutor {
	return &DownloadExecutor{
		httpClient: httpClient,
		fileOps:    utils.NewFileOperations(),
		opts:       opts,
	}
}

// Fetch performs one download attempt. The body is streamed in chunks to a
// .part file that is renamed into place only after the size checks pass; on
// any failure the partial file is removed.
//
// Failures are typed: Timeout when the attempt deadline passes, TooLarge when
// the payload exceeds MaxPayload (announced or streamed), EmptyPayload for a
// zero-byte result, and Upstream for HTTP and network errors. Callers decide
// whether to retry.
func (e *DownloadExecutor) Fetch(ctx context.Context, media *internal.ResolvedMedia, ws *Workspace) (_ *internal.RetrievedFile, err error) {
	if media == nil || media.DirectURL == "" {
		return nil, internal.NewFetchError(internal.KindMalformedResponse, "download", "no media URL to fetch")
	}
	if ws == nil || ws.Released() {
		return nil, fmt.Errorf("workspace is not available")
	}

	attemptCtx := ctx
	if e.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.opts.AttemptTimeout)
		defer cancel()
	}
	prefix := internal.LogPrefix(ctx)

	resp, err := e.httpClient.Get(attemptCtx, media.DirectURL, map[string]string{
		"Accept": "video/*,*/*;q=0.8",
	}, nil)
	if err != nil {
		return nil, e.classify(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	if e.opts.MaxPayload > 0 && resp.ContentLength > e.opts.MaxPayload {
		return nil, tooLarge(resp.ContentLength, e.opts.MaxPayload)
	}

	name := outputName(media, resp.Header.Get("Content-Type"))
	finalPath := ws.Path(name)
	partPath := finalPath + ".part"

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(partPath)
		}
	}()

	var reporter internal.ProgressReporter
	if e.opts.Progress != nil {
		reporter = e.opts.Progress(resp.ContentLength)
		defer reporter.Finish()
	}

	internal.LogDebug("%sStreaming %s (%s) into %s", prefix, media.Strategy, sizeLabel(resp.ContentLength), ws.Dir)

	written, err := e.stream(attemptCtx, file, resp.Body, reporter)
	if err != nil {
		return nil, e.classify(ctx, attemptCtx, err)
	}
	if err = file.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush output file: %w", err)
	}

	// The size on disk is the one that counts, not the byte counter
	size, statErr := e.fileOps.GetFileSize(partPath)
	if statErr != nil || size == 0 || written == 0 {
		err = internal.NewFetchError(internal.KindEmptyPayload, "download", "upstream sent no bytes").
			WithURL(media.DirectURL)
		return nil, err
	}
	if resp.ContentLength > 0 && size != resp.ContentLength {
		err = internal.NewNetworkError(media.DirectURL,
			fmt.Errorf("size mismatch: expected %d bytes, got %d", resp.ContentLength, size))
		return nil, err
	}

	if err = e.fileOps.AtomicRename(partPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to finalize output file: %w", err)
	}

	internal.LogInfo("%sDownloaded %s via %s", prefix, humanize.Bytes(uint64(size)), media.Strategy)
	return &internal.RetrievedFile{
		Path:      finalPath,
		SizeBytes: uint64(size),
		Strategy:  media.Strategy,
	}, nil
}

// stream copies src to dst in fixed-size chunks, enforcing the payload limit
// and the bandwidth limit as it goes
func (e *DownloadExecutor) stream(ctx context.Context, dst io.Writer, src io.Reader, reporter internal.ProgressReporter) (int64, error) {
	buffer := make([]byte, chunkSize)
	var total int64

	for {
		n, readErr := src.Read(buffer)
		if n > 0 {
			if e.opts.MaxPayload > 0 && total+int64(n) > e.opts.MaxPayload {
				return total, tooLarge(-1, e.opts.MaxPayload)
			}
			if e.opts.RateLimiter != nil {
				if err := e.opts.RateLimiter.Wait(ctx, n); err != nil {
					return total, err
				}
			}

			written, writeErr := dst.Write(buffer[:n])
			total += int64(written)
			if writeErr != nil {
				return total, fmt.Errorf("failed to write output file: %w", writeErr)
			}
			if reporter != nil {
				reporter.Update(total)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}

		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// classify maps a failed attempt onto the taxonomy. A cancelled parent context
// is returned as is; the attempt's own deadline becomes Timeout.
func (e *DownloadExecutor) classify(parent, attempt context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if _, ok := internal.KindOf(err); ok {
		if errors.Is(attempt.Err(), context.DeadlineExceeded) && !internal.HasKind(err, internal.KindTimeout) {
			return internal.WrapFetchError(internal.KindTimeout, "download", "attempt timed out", err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return internal.WrapFetchError(internal.KindTimeout, "download",
			fmt.Sprintf("attempt exceeded %v", e.opts.AttemptTimeout), err)
	}
	// Local disk errors are not upstream failures and are not retried
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return err
	}
	return internal.NewNetworkError("", err)
}

func tooLarge(announced, limit int64) *internal.FetchError {
	msg := fmt.Sprintf("payload exceeds the %s limit", humanize.Bytes(uint64(limit)))
	if announced > 0 {
		msg = fmt.Sprintf("payload of %s exceeds the %s limit", humanize.Bytes(uint64(announced)), humanize.Bytes(uint64(limit)))
	}
	return internal.NewFetchError(internal.KindTooLarge, "download", msg).
		WithContext("limit_bytes", limit)
}

// outputName picks the file name inside the workspace
func outputName(media *internal.ResolvedMedia, contentType string) string {
	base := utils.SanitizeName(media.Shortcode, 64)
	if media.Shortcode == "" {
		base = "media"
	}
	return base + mediaExtension(media.DirectURL, contentType)
}

var knownExtensions = map[string]bool{".mp4": true, ".mov": true, ".webm": true, ".m4v": true}

func mediaExtension(rawURL, contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "video/webm"):
		return ".webm"
	case strings.HasPrefix(contentType, "video/quicktime"):
		return ".mov"
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); knownExtensions[ext] {
			return ext
		}
	}
	return ".mp4"
}

func sizeLabel(n int64) string {
	if n < 0 {
		return "unknown size"
	}
	return humanize.Bytes(uint64(n))
}
