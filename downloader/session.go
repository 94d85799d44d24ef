package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"reelfetch/internal"
)

// loginTimeout bounds one shared login flight, independent of any single caller
const loginTimeout = 2 * time.Minute

// SessionOptions configure a SessionManager
type SessionOptions struct {
	Credentials internal.Credentials
	// SessionFile persists cookies across restarts; empty disables persistence
	SessionFile string
	// CookieDomain is written for cookies that carry no domain of their own
	CookieDomain string
	// Freshness is how long a verified session is trusted without another probe
	Freshness time.Duration
	Retry     RetryPolicy
	Now       func() time.Time
}

// SessionManager owns the shared upstream session. It is the only writer of
// session state; every other component reads snapshots through EnsureAuthenticated.
type SessionManager struct {
	auth Authenticator
	opts SessionOptions

	mutex      sync.Mutex
	creds      internal.Credentials
	state      internal.SessionState
	cookies    []*http.Cookie
	handle     *internal.SessionHandle
	verifiedAt time.Time
	// stickyErr holds the credential rejection that keeps the state Invalid until Reconfigure
	stickyErr  error
	generation uint64

	group      singleflight.Group
	loginCount atomic.Int64
}

// NewSessionManager creates a manager; a readable SessionFile seeds an unverified session
func NewSessionManager(auth Authenticator, opts SessionOptions) *SessionManager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Freshness <= 0 {
		opts.Freshness = 10 * time.Minute
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	m := &SessionManager{
		auth:  auth,
		opts:  opts,
		creds: opts.Credentials,
		state: internal.SessionLoggedOut,
	}

	if opts.SessionFile != "" {
		cookies, err := LoadCookieFile(opts.SessionFile)
		switch {
		case err == nil:
			m.cookies = liveCookies(cookies, opts.Now())
			internal.LogDebug("Loaded %d cookies from session file %s", len(m.cookies), opts.SessionFile)
		case errors.Is(err, os.ErrNotExist):
		default:
			internal.LogWarn("Ignoring unreadable session file %s: %v", opts.SessionFile, err)
		}
	}

	return m
}

// CanAuthenticate reports whether an authenticated session could be produced at all
func (m *SessionManager) CanAuthenticate() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return !m.creds.IsZero() || len(m.cookies) > 0
}

// State returns the current session state
func (m *SessionManager) State() internal.SessionState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// LoginCount returns how many login flights have been started. Retries inside
// one flight do not count, so concurrent callers sharing a login add one.
func (m *SessionManager) LoginCount() int64 {
	return m.loginCount.Load()
}

// EnsureAuthenticated returns a fresh session snapshot, logging in when needed.
//
// A session verified within the freshness window is returned without any network
// call. Otherwise one shared flight verifies stored cookies or logs in again;
// concurrent callers wait for that flight instead of starting their own. A
// rejected login leaves the manager Invalid and every later call fails with the
// same BadCredentials error until Reconfigure. Without credentials or stored
// cookies it returns a nil handle and no error.
func (m *SessionManager) EnsureAuthenticated(ctx context.Context) (*internal.SessionHandle, error) {
	m.mutex.Lock()
	if m.stickyErr != nil {
		err := m.stickyErr
		m.mutex.Unlock()
		return nil, err
	}
	if m.state == internal.SessionAuthenticated && m.opts.Now().Sub(m.verifiedAt) < m.opts.Freshness {
		handle := m.handle
		m.mutex.Unlock()
		return handle, nil
	}
	// Anonymous mode: nothing to log in with
	if m.creds.IsZero() && len(m.cookies) == 0 {
		m.mutex.Unlock()
		return nil, nil
	}
	m.mutex.Unlock()

	// The flight outlives a cancelled caller so the waiting callers still get a result
	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan("session", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(flightCtx, loginTimeout)
		defer cancel()
		return m.refresh(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*internal.SessionHandle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh runs inside the single flight
func (m *SessionManager) refresh(ctx context.Context) (*internal.SessionHandle, error) {
	m.mutex.Lock()
	if m.stickyErr != nil {
		err := m.stickyErr
		m.mutex.Unlock()
		return nil, err
	}
	// A caller queued behind a flight that already succeeded
	if m.state == internal.SessionAuthenticated && m.opts.Now().Sub(m.verifiedAt) < m.opts.Freshness {
		handle := m.handle
		m.mutex.Unlock()
		return handle, nil
	}
	gen := m.generation
	creds := m.creds
	cookies := m.cookies
	m.mutex.Unlock()

	// Stored cookies are cheaper than a login and do not trip login rate limits
	if len(cookies) > 0 {
		_, err := Retry(ctx, m.opts.Retry, func(ctx context.Context, attempt int) (struct{}, error) {
			return struct{}{}, m.auth.Verify(ctx, cookies)
		})
		if err == nil {
			return m.commit(gen, cookies, false)
		}
		if !internal.HasKind(err, internal.KindSessionRejected) {
			if ctx.Err() == nil {
				err = internal.NewAuthTransientError(err)
			}
			m.fail(gen, err)
			return nil, err
		}
		if creds.IsZero() {
			m.fail(gen, err)
			return nil, err
		}
		internal.LogInfo("Stored session was rejected, logging in again")
	}

	if creds.IsZero() {
		err := internal.NewSessionRejectedError("", 0).
			WithSuggestion("Configure REELFETCH_USERNAME and REELFETCH_PASSWORD or a session file")
		m.fail(gen, err)
		return nil, err
	}

	m.mutex.Lock()
	if m.generation == gen {
		m.state = internal.SessionLoggingIn
	}
	m.mutex.Unlock()

	internal.LogInfo("Logging in as %s", creds.Username)
	m.loginCount.Add(1)

	loginPolicy := m.opts.Retry
	loginPolicy.Classify = func(err error) bool {
		return internal.IsRetryable(err) && !internal.HasKind(err, internal.KindBadCredentials)
	}
	fresh, err := Retry(ctx, loginPolicy, func(ctx context.Context, attempt int) ([]*http.Cookie, error) {
		if attempt > 1 {
			internal.LogDebug("Login attempt %d", attempt)
		}
		return m.auth.Login(ctx, creds)
	})
	if err != nil {
		m.fail(gen, err)
		return nil, err
	}

	// A login is only trusted once the probe confirms it
	if _, err := Retry(ctx, m.opts.Retry, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, m.auth.Verify(ctx, fresh)
	}); err != nil {
		if internal.IsRetryable(err) || internal.HasKind(err, internal.KindRetriesExhausted) {
			err = internal.NewAuthTransientError(err)
		}
		m.fail(gen, err)
		return nil, err
	}

	return m.commit(gen, fresh, true)
}

// commit publishes a verified session unless Reconfigure ran in the meantime
func (m *SessionManager) commit(gen uint64, cookies []*http.Cookie, persist bool) (*internal.SessionHandle, error) {
	m.mutex.Lock()
	if m.generation != gen {
		m.mutex.Unlock()
		return nil, internal.NewAuthTransientError(errors.New("credentials changed during login"))
	}

	now := m.opts.Now()
	handle := &internal.SessionHandle{
		Cookies:    append([]*http.Cookie(nil), cookies...),
		Username:   m.creds.Username,
		VerifiedAt: now,
	}
	if handle.Username == "" {
		if id := userIDFromCookies(cookies); id != 0 {
			handle.Username = fmt.Sprintf("id:%d", id)
		}
	}
	if csrf := findCookie(cookies, "csrftoken"); csrf != nil {
		handle.CSRFToken = csrf.Value
	}

	m.cookies = cookies
	m.handle = handle
	m.verifiedAt = now
	m.state = internal.SessionAuthenticated
	m.mutex.Unlock()

	if persist && m.opts.SessionFile != "" {
		if err := SaveCookieFile(m.opts.SessionFile, cookies, m.opts.CookieDomain); err != nil {
			internal.LogWarn("Failed to persist session: %v", err)
		}
	}

	internal.LogDebug("Session authenticated for %s", handle.Username)
	return handle, nil
}

// fail records a failed refresh. A rejected session is Invalid until the next
// successful refresh; only a credential rejection is sticky. Transient failures
// leave the manager LoggedOut.
func (m *SessionManager) fail(gen uint64, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.generation != gen {
		return
	}

	m.handle = nil
	switch {
	case internal.HasKind(err, internal.KindBadCredentials):
		m.state = internal.SessionInvalid
		m.stickyErr = err
		m.cookies = nil
		internal.LogError("Login rejected, session disabled until credentials change: %v", err)
	case internal.HasKind(err, internal.KindSessionRejected):
		m.state = internal.SessionInvalid
		m.cookies = nil
	default:
		m.state = internal.SessionLoggedOut
	}
}

// Invalidate reports that the upstream refused handle. The next EnsureAuthenticated
// logs in again. Reports about an older handle than the current one are ignored.
func (m *SessionManager) Invalidate(handle *internal.SessionHandle, reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if handle == nil || handle != m.handle {
		return
	}
	internal.LogWarn("Session invalidated: %s", reason)
	m.state = internal.SessionInvalid
	m.handle = nil
	m.cookies = nil
}

// Reconfigure replaces the credentials and clears any sticky rejection
func (m *SessionManager) Reconfigure(creds internal.Credentials) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.creds = creds
	m.generation++
	m.state = internal.SessionLoggedOut
	m.stickyErr = nil
	m.handle = nil
	m.cookies = nil
	m.verifiedAt = time.Time{}
	m.group.Forget("session")
}
