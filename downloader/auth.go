package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reelfetch/internal"
	"reelfetch/utils"
)

// webAppID is the application id the web client sends with every API call
const webAppID = "936619743392459"

// maxAPIBody bounds JSON bodies read from the platform
const maxAPIBody = 4 << 20

// Authenticator performs the platform-specific login exchange.
//
// Login returns BadCredentials when the platform rejects the account and
// AuthTransient for failures worth retrying. Verify returns SessionRejected
// when the cookies are no longer accepted.
type Authenticator interface {
	Login(ctx context.Context, creds internal.Credentials) ([]*http.Cookie, error)
	Verify(ctx context.Context, cookies []*http.Cookie) error
}

// InstagramAuthenticator logs in through the web login form
type InstagramAuthenticator struct {
	httpClient *utils.HTTPClient
	baseURL    string
	now        func() time.Time
}

// NewInstagramAuthenticator creates an authenticator against baseURL (e.g. https://www.instagram.com)
func NewInstagramAuthenticator(httpClient *utils.HTTPClient, baseURL string) *InstagramAuthenticator {
	return &InstagramAuthenticator{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		now:        time.Now,
	}
}

// loginResponse is the body of the ajax login endpoint
type loginResponse struct {
	Authenticated     bool   `json:"authenticated"`
	User              bool   `json:"user"`
	UserID            string `json:"userId"`
	Status            string `json:"status"`
	Message           string `json:"message"`
	CheckpointURL     string `json:"checkpoint_url"`
	TwoFactorRequired bool   `json:"two_factor_required"`
}

// Login fetches a csrf token, posts the credentials and returns the session cookies
func (a *InstagramAuthenticator) Login(ctx context.Context, creds internal.Credentials) ([]*http.Cookie, error) {
	if creds.IsZero() {
		return nil, internal.NewBadCredentialsError("no credentials configured")
	}

	csrf, err := a.fetchCSRF(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"username":             {creds.Username},
		"enc_password":         {fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", a.now().Unix(), creds.Password)},
		"queryParams":          {"{}"},
		"optIntoOneTap":        {"false"},
		"trustedDeviceRecords": {"{}"},
	}
	headers := map[string]string{
		"X-CSRFToken":      csrf.Value,
		"X-IG-App-ID":      webAppID,
		"X-Requested-With": "XMLHttpRequest",
		"Referer":          a.baseURL + "/accounts/login/",
		"Origin":           a.baseURL,
	}

	resp, err := a.httpClient.PostForm(ctx, a.baseURL+"/api/v1/web/accounts/login/ajax/", form, headers, []*http.Cookie{csrf})
	if err != nil {
		var fe *internal.FetchError
		// The endpoint answers 400 for wrong passwords, checkpoints and disabled accounts
		if errors.As(err, &fe) && fe.Kind == internal.KindUpstream && fe.StatusCode == http.StatusBadRequest {
			return nil, internal.NewBadCredentialsError("login rejected by the platform").WithStatus(fe.StatusCode)
		}
		return nil, asAuthTransient(err)
	}

	cookies := resp.Cookies()
	body, err := utils.ReadBody(resp, maxAPIBody)
	if err != nil {
		return nil, asAuthTransient(err)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, internal.NewMalformedResponseError("login response is not JSON", err)
	}

	switch {
	case lr.Authenticated:
	case lr.TwoFactorRequired:
		return nil, internal.NewBadCredentialsError("account requires two-factor authentication").
			WithSuggestion("Log in once in a browser and export the session with --session-file")
	case lr.CheckpointURL != "" || lr.Message == "checkpoint_required":
		return nil, internal.NewBadCredentialsError("login blocked by a security checkpoint").
			WithSuggestion("Confirm the login in the Instagram app, then run 'reelfetch login' again")
	case strings.Contains(strings.ToLower(lr.Message), "wait"):
		// "Please wait a few minutes before you try again"
		return nil, internal.NewAuthTransientError(fmt.Errorf("login throttled: %s", lr.Message))
	case !lr.User:
		return nil, internal.NewBadCredentialsError(fmt.Sprintf("unknown user %q", creds.Username))
	default:
		return nil, internal.NewBadCredentialsError("wrong password")
	}

	session := mergeCookies([]*http.Cookie{csrf}, cookies)
	if findCookie(session, "sessionid") == nil {
		return nil, internal.NewMalformedResponseError("login succeeded without a sessionid cookie", nil)
	}
	return liveCookies(session, a.now()), nil
}

// Verify probes a read-only endpoint that only answers for a logged-in user
func (a *InstagramAuthenticator) Verify(ctx context.Context, cookies []*http.Cookie) error {
	if findCookie(cookies, "sessionid") == nil {
		return internal.NewSessionRejectedError(a.baseURL, 0).WithSuggestion("The stored session has no sessionid cookie")
	}

	headers := map[string]string{
		"X-IG-App-ID": webAppID,
		"Accept":      "application/json",
	}
	if csrf := findCookie(cookies, "csrftoken"); csrf != nil {
		headers["X-CSRFToken"] = csrf.Value
	}

	probeURL := a.baseURL + "/api/v1/accounts/current_user/?edit=true"
	resp, err := a.httpClient.Get(ctx, probeURL, headers, cookies)
	if err != nil {
		return err
	}
	body, err := utils.ReadBody(resp, maxAPIBody)
	if err != nil {
		return err
	}

	var probe struct {
		Status string `json:"status"`
		User   *struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	// Logged-out sessions are redirected to the HTML login page
	if err := json.Unmarshal(body, &probe); err != nil || probe.Status != "ok" || probe.User == nil {
		return internal.NewSessionRejectedError(probeURL, resp.StatusCode)
	}
	return nil
}

// fetchCSRF loads the login page to obtain a csrftoken cookie
func (a *InstagramAuthenticator) fetchCSRF(ctx context.Context) (*http.Cookie, error) {
	resp, err := a.httpClient.Get(ctx, a.baseURL+"/accounts/login/", map[string]string{
		"Accept": "text/html,application/xhtml+xml",
	}, nil)
	if err != nil {
		return nil, asAuthTransient(err)
	}
	defer resp.Body.Close()

	if csrf := findCookie(resp.Cookies(), "csrftoken"); csrf != nil {
		return csrf, nil
	}
	return nil, internal.NewAuthTransientError(errors.New("login page did not set a csrftoken cookie"))
}

// asAuthTransient marks a retryable failure during login as a transient auth outage
func asAuthTransient(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if internal.IsRetryable(err) {
		return internal.NewAuthTransientError(err)
	}
	return err
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// mergeCookies overlays update onto base by cookie name
func mergeCookies(base, update []*http.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(base)+len(update))
	index := make(map[string]int)
	for _, list := range [][]*http.Cookie{base, update} {
		for _, c := range list {
			if i, ok := index[c.Name]; ok {
				out[i] = c
				continue
			}
			index[c.Name] = len(out)
			out = append(out, c)
		}
	}
	return out
}

// userIDFromCookies returns the numeric account id stored in ds_user_id
func userIDFromCookies(cookies []*http.Cookie) int64 {
	if c := findCookie(cookies, "ds_user_id"); c != nil {
		id, _ := strconv.ParseInt(c.Value, 10, 64)
		return id
	}
	return 0
}
