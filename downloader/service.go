package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"reelfetch/internal"
	"reelfetch/utils"
)

// Engine retrieves media for one link at a time per caller. It composes the
// session manager, the resolver chain, the download executor and the
// workspace manager; every request gets its own workspace.
type Engine struct {
	sessions   *SessionManager
	chain      *ResolverChain
	executor   *DownloadExecutor
	workspaces *WorkspaceManager
	retry      RetryPolicy
}

// EngineParts are the collaborators of an Engine. Sessions may be nil when no
// strategy needs authentication.
type EngineParts struct {
	Sessions   *SessionManager
	Chain      *ResolverChain
	Executor   *DownloadExecutor
	Workspaces *WorkspaceManager
	// Retry governs download attempts
	Retry RetryPolicy
}

// NewEngine assembles an engine from ready parts
func NewEngine(parts EngineParts) *Engine {
	if parts.Retry.MaxAttempts == 0 {
		parts.Retry = DefaultRetryPolicy()
	}
	if parts.Sessions != nil && parts.Chain != nil {
		parts.Chain.WithSessionInvalidator(parts.Sessions)
	}
	return &Engine{
		sessions:   parts.Sessions,
		chain:      parts.Chain,
		executor:   parts.Executor,
		workspaces: parts.Workspaces,
		retry:      parts.Retry,
	}
}

// NewEngineFromConfig wires the production engine. progress may be nil.
func NewEngineFromConfig(cfg *internal.Config, progress internal.ProgressFactory) (*Engine, error) {
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}

	httpClient, err := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:    time.Duration(cfg.DefaultTimeout) * time.Second,
		ProxyURL:   cfg.ProxyURL,
		UserAgents: cfg.UserAgentList,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	retry := RetryPolicyFromConfig(cfg)

	sessions := NewSessionManager(NewInstagramAuthenticator(httpClient, cfg.PlatformBaseURL), SessionOptions{
		Credentials:  cfg.Credentials(),
		SessionFile:  cfg.SessionFile,
		CookieDomain: cookieDomain(cfg.PlatformBaseURL),
		Freshness:    time.Duration(cfg.SessionFreshness) * time.Second,
		Retry:        retry,
	})

	strategies, err := BuildStrategies(cfg.Strategies, StrategyDeps{
		HTTPClient: httpClient,
		BaseURL:    cfg.PlatformBaseURL,
		YtDlpPath:  cfg.YtDlpPath,
		ProxyURL:   cfg.ProxyURL,
	})
	if err != nil {
		return nil, err
	}

	maxPayload, err := cfg.MaxPayloadBytes()
	if err != nil {
		return nil, err
	}
	var limiter internal.RateLimiter
	if cfg.RateLimit != "" {
		rate, err := utils.ParseRateLimit(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		limiter = utils.NewBandwidthLimiter(rate)
	}

	return NewEngine(EngineParts{
		Sessions: sessions,
		Chain:    NewResolverChain(utils.NewURLValidator(cfg.AllowedDomains...), strategies, retry),
		Executor: NewDownloadExecutor(httpClient, ExecutorOptions{
			MaxPayload:     maxPayload,
			AttemptTimeout: time.Duration(cfg.DefaultTimeout) * time.Second,
			RateLimiter:    limiter,
			Progress:       progress,
		}),
		Workspaces: NewWorkspaceManager(cfg.WorkspaceRoot),
		Retry:      retry,
	}), nil
}

// RetryPolicyFromConfig applies the configured attempt count and backoff unit
func RetryPolicyFromConfig(cfg *internal.Config) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	policy.Unit = time.Duration(cfg.RetryUnitMillis) * time.Millisecond
	return policy
}

// cookieDomain turns https://www.instagram.com into .instagram.com
func cookieDomain(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return "." + strings.TrimPrefix(u.Hostname(), "www.")
}

// Sessions returns the session manager, nil when none is configured
func (e *Engine) Sessions() *SessionManager {
	return e.sessions
}

// Workspaces returns the workspace manager
func (e *Engine) Workspaces() *WorkspaceManager {
	return e.workspaces
}

// Retrieve fetches the media behind req.URL and hands the file to consume.
//
// The file lives in a workspace that is removed when Retrieve returns, whether
// it succeeds, fails or is cancelled, so consume must copy or send it before
// returning. An unsupported link fails with InvalidInput before any workspace
// or network call. Rejected credentials fail the request with BadCredentials;
// a transient login failure only drops the authenticated strategies.
func (e *Engine) Retrieve(ctx context.Context, req internal.RetrievalRequest, consume func(*internal.RetrievedFile) error) (err error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()[:8]
	}
	ctx = internal.WithCorrelationID(ctx, req.CorrelationID)
	prefix := internal.LogPrefix(ctx)

	defer func() {
		if err != nil {
			logOutcome(prefix, err)
		}
	}()

	info, err := e.chain.Parse(req.URL)
	if err != nil {
		return err
	}

	ws, err := e.workspaces.Acquire(req.CorrelationID)
	if err != nil {
		return err
	}
	defer e.workspaces.Release(ws)

	session, err := e.session(ctx)
	if err != nil {
		return err
	}

	media, err := e.chain.ResolveInfo(ctx, info, session)
	if err != nil {
		return err
	}

	policy := e.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		internal.LogWarn("%sDownload attempt %d failed, retrying in %v: %v", prefix, attempt, delay.Round(time.Millisecond), err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	file, err := Retry(ctx, policy, func(ctx context.Context, attempt int) (*internal.RetrievedFile, error) {
		return e.executor.Fetch(ctx, media, ws)
	})
	if err != nil {
		return err
	}

	internal.LogInfo("%sRetrieved %s (%d bytes) via %s", prefix, info.Shortcode, file.SizeBytes, file.Strategy)
	if consume == nil {
		return nil
	}
	return consume(file)
}

// session returns a snapshot for the authenticated strategies, or nil to run
// anonymously
func (e *Engine) session(ctx context.Context) (*internal.SessionHandle, error) {
	if e.sessions == nil || !e.chain.NeedsSession() || !e.sessions.CanAuthenticate() {
		return nil, nil
	}

	session, err := e.sessions.EnsureAuthenticated(ctx)
	if err == nil {
		return session, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if internal.HasKind(err, internal.KindBadCredentials) {
		return nil, err
	}
	internal.LogWarn("%sNo authenticated session, continuing anonymously: %v", internal.LogPrefix(ctx), err)
	return nil, nil
}

func logOutcome(prefix string, err error) {
	if errors.Is(err, context.Canceled) {
		internal.LogInfo("%sRequest cancelled", prefix)
		return
	}
	var fe *internal.FetchError
	if errors.As(err, &fe) {
		internal.LogWarn("%sRequest failed: %s", prefix, fe.Error())
		return
	}
	internal.LogError("%sRequest failed: %v", prefix, err)
}
