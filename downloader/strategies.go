package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"reelfetch/internal"
	"reelfetch/utils"
)

// Strategy turns a parsed link into a direct media URL. Implementations are
// read-only probes: they never mutate the session they are handed.
type Strategy interface {
	Name() string
	// RequiresAuth strategies are skipped when no session is available
	RequiresAuth() bool
	Resolve(ctx context.Context, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error)
}

// StrategyDeps carries what the built-in strategies share
type StrategyDeps struct {
	HTTPClient *utils.HTTPClient
	// BaseURL of the platform, e.g. https://www.instagram.com
	BaseURL   string
	YtDlpPath string
	ProxyURL  string
}

// BuildStrategies creates strategies in the given priority order
func BuildStrategies(names []string, deps StrategyDeps) ([]Strategy, error) {
	base := strings.TrimRight(deps.BaseURL, "/")
	strategies := make([]Strategy, 0, len(names))

	for _, name := range names {
		switch name {
		case internal.StrategyAPIProbe:
			strategies = append(strategies, &APIProbeStrategy{httpClient: deps.HTTPClient, baseURL: base})
		case internal.StrategyGraphQLProbe:
			strategies = append(strategies, &GraphQLProbeStrategy{httpClient: deps.HTTPClient, baseURL: base})
		case internal.StrategyPageScrape:
			strategies = append(strategies, &PageScrapeStrategy{httpClient: deps.HTTPClient, baseURL: base})
		case internal.StrategyYtDlp:
			strategies = append(strategies, &YtDlpStrategy{
				binaryPath: deps.YtDlpPath,
				proxyURL:   deps.ProxyURL,
				baseURL:    base,
			})
		default:
			return nil, internal.NewValidationErrorWithValue("strategies", "unknown strategy", name).
				WithSuggestion(fmt.Sprintf("Use any of: %s", strings.Join(internal.KnownStrategies, ", ")))
		}
	}
	return strategies, nil
}

// notFound is the per-strategy "this method found no video" result
func notFound(strategy, message string) error {
	return internal.NewFetchError(internal.KindNotFound, "resolve", message).WithStrategy(strategy)
}

// apiHeaders are the headers the web client sends to JSON endpoints
func apiHeaders(session *internal.SessionHandle) map[string]string {
	headers := map[string]string{
		"X-IG-App-ID":      webAppID,
		"X-Requested-With": "XMLHttpRequest",
		"Accept":           "application/json",
	}
	if session != nil && session.CSRFToken != "" {
		headers["X-CSRFToken"] = session.CSRFToken
	}
	return headers
}

func sessionCookies(session *internal.SessionHandle) []*http.Cookie {
	if session == nil {
		return nil
	}
	return session.Cookies
}

// videoVersion is one rendition in a media item
type videoVersion struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// mediaItem is the subset of the media JSON the probes read
type mediaItem struct {
	Code          string         `json:"code"`
	MediaType     int            `json:"media_type"`
	VideoVersions []videoVersion `json:"video_versions"`
	CarouselMedia []mediaItem    `json:"carousel_media"`
}

// bestVideo returns the largest rendition of the first video in item
func bestVideo(item mediaItem) string {
	if len(item.VideoVersions) > 0 {
		best := item.VideoVersions[0]
		for _, v := range item.VideoVersions[1:] {
			if v.Width*v.Height > best.Width*best.Height {
				best = v
			}
		}
		return best.URL
	}
	for _, child := range item.CarouselMedia {
		if u := bestVideo(child); u != "" {
			return u
		}
	}
	return ""
}

const shortcodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// ShortcodeToMediaID decodes a shortcode into the numeric media id.
// Long shortcodes of private posts overflow 64 bits, so the id is returned as a string.
func ShortcodeToMediaID(shortcode string) (string, error) {
	id := new(big.Int)
	base := big.NewInt(64)
	for _, r := range shortcode {
		idx := strings.IndexRune(shortcodeAlphabet, r)
		if idx < 0 {
			return "", fmt.Errorf("invalid shortcode character %q", r)
		}
		id.Mul(id, base)
		id.Add(id, big.NewInt(int64(idx)))
	}
	return id.String(), nil
}

// APIProbeStrategy reads the private media info endpoint. It needs a logged-in session.
type APIProbeStrategy struct {
	httpClient *utils.HTTPClient
	baseURL    string
}

func (s *APIProbeStrategy) Name() string { return internal.StrategyAPIProbe }
func (s *APIProbeStrategy) RequiresAuth() bool { return true }

func (s *APIProbeStrategy) Resolve(ctx context.Context, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	if session == nil {
		return nil, internal.NewSessionRejectedError("", 0).WithStrategy(s.Name())
	}
	mediaID, err := ShortcodeToMediaID(info.Shortcode)
	if err != nil {
		return nil, internal.NewInvalidInputError(info.OriginalURL, err.Error())
	}

	endpoint := fmt.Sprintf("%s/api/v1/media/%s/info/", s.baseURL, mediaID)
	resp, err := s.httpClient.Get(ctx, endpoint, apiHeaders(session), session.Cookies)
	if err != nil {
		return nil, notFoundOn404(s.Name(), err)
	}
	body, err := utils.ReadBody(resp, maxAPIBody)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items  []mediaItem `json:"items"`
		Status string      `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		// A logged-out session gets the HTML login page with a 200
		if looksLikeHTML(body) {
			return nil, internal.NewSessionRejectedError(endpoint, resp.StatusCode).WithStrategy(s.Name())
		}
		return nil, internal.NewMalformedResponseError("media info is not JSON", err).WithStrategy(s.Name())
	}
	if len(payload.Items) == 0 {
		return nil, notFound(s.Name(), "media info returned no items")
	}

	directURL := bestVideo(payload.Items[0])
	if directURL == "" {
		return nil, notFound(s.Name(), "post has no video")
	}
	return &internal.ResolvedMedia{DirectURL: directURL, ContentType: "video/mp4"}, nil
}

// GraphQLProbeStrategy reads the public JSON variant of the post page
type GraphQLProbeStrategy struct {
	httpClient *utils.HTTPClient
	baseURL    string
}

func (s *GraphQLProbeStrategy) Name() string { return internal.StrategyGraphQLProbe }
func (s *GraphQLProbeStrategy) RequiresAuth() bool { return false }

func (s *GraphQLProbeStrategy) Resolve(ctx context.Context, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	endpoint := fmt.Sprintf("%s/p/%s/?__a=1&__d=dis", s.baseURL, info.Shortcode)
	resp, err := s.httpClient.Get(ctx, endpoint, apiHeaders(session), sessionCookies(session))
	if err != nil {
		return nil, notFoundOn404(s.Name(), err)
	}
	body, err := utils.ReadBody(resp, maxAPIBody)
	if err != nil {
		return nil, err
	}

	var payload struct {
		GraphQL *struct {
			ShortcodeMedia *struct {
				IsVideo  bool   `json:"is_video"`
				VideoURL string `json:"video_url"`
			} `json:"shortcode_media"`
		} `json:"graphql"`
		Items []mediaItem `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		if looksLikeHTML(body) {
			// JSON access without a valid session is redirected to the login wall
			if session != nil {
				return nil, internal.NewSessionRejectedError(endpoint, resp.StatusCode).WithStrategy(s.Name())
			}
			return nil, notFound(s.Name(), "JSON view requires login")
		}
		return nil, internal.NewMalformedResponseError("post JSON could not be parsed", err).WithStrategy(s.Name())
	}

	var directURL string
	switch {
	case payload.GraphQL != nil && payload.GraphQL.ShortcodeMedia != nil:
		if !payload.GraphQL.ShortcodeMedia.IsVideo {
			return nil, notFound(s.Name(), "post has no video")
		}
		directURL = payload.GraphQL.ShortcodeMedia.VideoURL
	case len(payload.Items) > 0:
		directURL = bestVideo(payload.Items[0])
	}
	if directURL == "" {
		return nil, notFound(s.Name(), "post JSON has no video URL")
	}
	return &internal.ResolvedMedia{DirectURL: directURL, ContentType: "video/mp4"}, nil
}

// videoURLPattern finds the video URL embedded in page scripts
var videoURLPattern = regexp.MustCompile(`"video_url"\s*:\s*"([^"]+)"`)

// PageScrapeStrategy parses the embed page and then the post page
type PageScrapeStrategy struct {
	httpClient *utils.HTTPClient
	baseURL    string
}

func (s *PageScrapeStrategy) Name() string { return internal.StrategyPageScrape }
func (s *PageScrapeStrategy) RequiresAuth() bool { return false }

func (s *PageScrapeStrategy) Resolve(ctx context.Context, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	pages := []string{
		fmt.Sprintf("%s/p/%s/embed/captioned/", s.baseURL, info.Shortcode),
		info.CanonicalURL(s.baseURL),
	}

	var lastErr error
	for _, page := range pages {
		directURL, err := s.scrape(ctx, page, session)
		if err != nil {
			// a retryable failure is left to the retry controller
			if internal.IsRetryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if directURL != "" {
			return &internal.ResolvedMedia{DirectURL: directURL}, nil
		}
	}

	if lastErr != nil && !internal.HasKind(lastErr, internal.KindNotFound) {
		internal.LogDebug("%spage-scrape: %v", internal.LogPrefix(ctx), lastErr)
	}
	return nil, notFound(s.Name(), "no video found in page markup")
}

func (s *PageScrapeStrategy) scrape(ctx context.Context, pageURL string, session *internal.SessionHandle) (string, error) {
	resp, err := s.httpClient.Get(ctx, pageURL, map[string]string{
		"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	}, sessionCookies(session))
	if err != nil {
		return "", notFoundOn404(s.Name(), err)
	}
	body, err := utils.ReadBody(resp, maxAPIBody)
	if err != nil {
		return "", err
	}
	return extractVideoURL(body)
}

// extractVideoURL looks for a video URL in Open Graph tags, video elements
// and finally in inline script JSON
func extractVideoURL(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", internal.NewMalformedResponseError("failed to parse HTML", err)
	}

	for _, selector := range []string{
		`meta[property="og:video:secure_url"]`,
		`meta[property="og:video"]`,
	} {
		if content, ok := doc.Find(selector).Attr("content"); ok && content != "" {
			return content, nil
		}
	}
	if src, ok := doc.Find("video[src]").Attr("src"); ok && src != "" {
		return src, nil
	}

	if m := videoURLPattern.FindSubmatch(page); m != nil {
		return unescapeJSONString(string(m[1])), nil
	}
	return "", nil
}

// unescapeJSONString decodes a string literal body taken from inline JSON
func unescapeJSONString(s string) string {
	s = strings.ReplaceAll(s, `\/`, `/`)
	if unquoted, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return unquoted
	}
	return strings.ReplaceAll(s, `\u0026`, "&")
}

// YtDlpStrategy delegates extraction to the yt-dlp binary
type YtDlpStrategy struct {
	binaryPath string
	proxyURL   string
	baseURL    string
}

// ytdlpTimeout bounds one yt-dlp run
const ytdlpTimeout = 2 * time.Minute

var ytdlpHTTPError = regexp.MustCompile(`HTTP Error (\d{3})`)

func (s *YtDlpStrategy) Name() string { return internal.StrategyYtDlp }
func (s *YtDlpStrategy) RequiresAuth() bool { return false }

func (s *YtDlpStrategy) Resolve(ctx context.Context, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	ctx, cancel := context.WithTimeout(ctx, ytdlpTimeout)
	defer cancel()

	args := []string{"-f", "b", "--get-url", "--no-warnings"}
	if s.proxyURL != "" {
		args = append(args, "--proxy", s.proxyURL)
	}
	if session != nil && len(session.Cookies) > 0 {
		// yt-dlp writes its jar back to --cookies, so it gets a private copy
		// and the stored session stays owned by the session manager
		jar, err := s.writeCookieJar(session.Cookies)
		if err != nil {
			internal.LogWarn("%sRunning yt-dlp without cookies: %v", internal.LogPrefix(ctx), err)
		} else {
			defer os.Remove(jar)
			args = append(args, "--cookies", jar)
		}
	}
	args = append(args, info.CanonicalURL(s.baseURL))

	binary := s.binaryPath
	if binary == "" {
		binary = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, internal.WrapFetchError(internal.KindNotFound, "yt-dlp", "yt-dlp is not installed", err).
				WithStrategy(s.Name()).
				WithSuggestion("Install yt-dlp or remove it from the strategy list")
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, internal.WrapFetchError(internal.KindTimeout, "yt-dlp", "yt-dlp timed out", err).
				WithStrategy(s.Name())
		}
		return nil, classifyYtDlpFailure(stderr.String(), err)
	}

	// yt-dlp may print separate video and audio URLs; the first is the video
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return &internal.ResolvedMedia{DirectURL: line}, nil
		}
	}
	return nil, notFound(s.Name(), "yt-dlp returned no URL")
}

// writeCookieJar stores cookies in a fresh temp file for one yt-dlp run
func (s *YtDlpStrategy) writeCookieJar(cookies []*http.Cookie) (string, error) {
	f, err := os.CreateTemp("", "reelfetch-ytdlp-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create cookie jar: %w", err)
	}
	f.Close()

	if err := SaveCookieFile(f.Name(), cookies, cookieDomain(s.baseURL)); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// classifyYtDlpFailure maps yt-dlp's stderr onto the error taxonomy
func classifyYtDlpFailure(stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if i := strings.LastIndex(msg, "ERROR:"); i >= 0 {
		msg = strings.TrimSpace(msg[i+len("ERROR:"):])
	}

	if m := ytdlpHTTPError.FindStringSubmatch(stderr); m != nil {
		status, _ := strconv.Atoi(m[1])
		if status == http.StatusNotFound {
			return notFound(internal.StrategyYtDlp, msg)
		}
		return internal.WrapFetchError(internal.KindUpstream, "yt-dlp", msg, err).
			WithStatus(status).
			WithStrategy(internal.StrategyYtDlp)
	}

	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "timed out") || strings.Contains(lower, "connection reset") {
		return internal.WrapFetchError(internal.KindUpstream, "yt-dlp", msg, err).WithStrategy(internal.StrategyYtDlp)
	}
	return internal.WrapFetchError(internal.KindNotFound, "yt-dlp", msg, err).WithStrategy(internal.StrategyYtDlp)
}

// notFoundOn404 turns a 404 from the platform into a strategy miss
func notFoundOn404(strategy string, err error) error {
	var fe *internal.FetchError
	if errors.As(err, &fe) && fe.Kind == internal.KindUpstream && fe.StatusCode == http.StatusNotFound {
		return internal.WrapFetchError(internal.KindNotFound, "resolve", "post not found", err).
			WithStrategy(strategy).
			WithStatus(http.StatusNotFound)
	}
	if fe != nil && fe.Strategy == "" {
		fe.Strategy = strategy
	}
	return err
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(trimmed, []byte("<"))
}
