package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"reelfetch/internal"
	"reelfetch/utils"
)

// SessionInvalidator is told when the upstream refused a session snapshot
type SessionInvalidator interface {
	Invalidate(handle *internal.SessionHandle, reason string)
}

// ResolverChain turns a link into a direct media URL by trying strategies in a
// fixed priority order. Each strategy gets its own retry budget; the chain
// itself never starts over.
type ResolverChain struct {
	urlValidator *utils.URLValidator
	strategies   []Strategy
	retry        RetryPolicy
	sessions     SessionInvalidator
	now          func() time.Time
}

// NewResolverChain creates a chain over strategies in the given order
func NewResolverChain(urlValidator *utils.URLValidator, strategies []Strategy, retry RetryPolicy) *ResolverChain {
	if urlValidator == nil {
		urlValidator = utils.NewURLValidator()
	}
	return &ResolverChain{
		urlValidator: urlValidator,
		strategies:   strategies,
		retry:        retry,
		now:          time.Now,
	}
}

// WithSessionInvalidator reports session rejections seen by strategies to s
func (c *ResolverChain) WithSessionInvalidator(s SessionInvalidator) *ResolverChain {
	c.sessions = s
	return c
}

// StrategyNames returns the configured order
func (c *ResolverChain) StrategyNames() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// NeedsSession reports whether any configured strategy requires authentication
func (c *ResolverChain) NeedsSession() bool {
	for _, s := range c.strategies {
		if s.RequiresAuth() {
			return true
		}
	}
	return false
}

// Parse validates rawURL without touching the network
func (c *ResolverChain) Parse(rawURL string) (*utils.URLInfo, error) {
	return c.urlValidator.ParseURL(rawURL)
}

// Resolve parses rawURL and runs the chain. Links of an unsupported shape fail
// with InvalidInput before any strategy runs.
func (c *ResolverChain) Resolve(ctx context.Context, rawURL string, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	info, err := c.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return c.ResolveInfo(ctx, info, session)
}

// ResolveInfo runs the chain for an already parsed link.
//
// Strategies that require authentication are skipped when session is nil. When
// a strategy reports that the upstream refused the session, the session is
// invalidated and the remaining strategies run anonymously. If every strategy
// fails the result is NotFound carrying each strategy's failure.
func (c *ResolverChain) ResolveInfo(ctx context.Context, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	prefix := internal.LogPrefix(ctx)

	var failures []error
	tried := 0
	for _, strategy := range c.strategies {
		name := strategy.Name()
		if strategy.RequiresAuth() && session == nil {
			internal.LogDebug("%sSkipping %s: no authenticated session", prefix, name)
			continue
		}

		tried++
		internal.LogDebug("%sTrying %s for %s", prefix, name, info.Shortcode)
		media, err := c.attempt(ctx, strategy, info, session)
		if err == nil {
			internal.LogInfo("%sResolved %s with %s", prefix, info.Shortcode, name)
			return media, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		failures = append(failures, fmt.Errorf("%s: %w", name, err))
		internal.LogWarn("%s%s failed: %v", prefix, name, err)

		if session != nil && internal.HasKind(err, internal.KindSessionRejected) {
			if c.sessions != nil {
				c.sessions.Invalidate(session, fmt.Sprintf("%s was refused", name))
			}
			session = nil
		}
	}

	exhausted := internal.NewNotFoundError(info.OriginalURL).
		WithContext("strategies_tried", tried)
	exhausted.Err = errors.Join(failures...)
	return nil, exhausted
}

// attempt runs one strategy under the retry policy
func (c *ResolverChain) attempt(ctx context.Context, strategy Strategy, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	name := strategy.Name()
	prefix := internal.LogPrefix(ctx)

	policy := c.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		internal.LogWarn("%s%s attempt %d failed, retrying in %v: %v", prefix, name, attempt, delay.Round(time.Millisecond), err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	return Retry(ctx, policy, func(ctx context.Context, attempt int) (*internal.ResolvedMedia, error) {
		media, err := strategy.Resolve(ctx, info, session)
		if err != nil {
			return nil, err
		}
		if err := checkDirectURL(media); err != nil {
			return nil, err.WithStrategy(name)
		}

		media.Strategy = name
		if media.ResolvedAt.IsZero() {
			media.ResolvedAt = c.now()
		}
		if media.Shortcode == "" {
			media.Shortcode = info.Shortcode
		}
		return media, nil
	})
}

// checkDirectURL accepts only absolute http(s) URLs that do not point at an HTML page
func checkDirectURL(media *internal.ResolvedMedia) *internal.FetchError {
	if media == nil || strings.TrimSpace(media.DirectURL) == "" {
		return internal.NewMalformedResponseError("strategy returned an empty media URL", nil)
	}

	media.DirectURL = strings.TrimSpace(media.DirectURL)
	u, err := url.Parse(media.DirectURL)
	if err != nil {
		return internal.NewMalformedResponseError("strategy returned an unparsable media URL", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return internal.NewMalformedResponseError(fmt.Sprintf("media URL is not absolute http(s): %q", media.DirectURL), nil)
	}
	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".html") || strings.HasSuffix(path, ".htm") || strings.HasPrefix(media.ContentType, "text/html") {
		return internal.NewMalformedResponseError("media URL points at an HTML page", nil)
	}
	return nil
}
