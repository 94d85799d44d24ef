package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"reelfetch/internal"
)

// Media kinds recognised in link paths
const (
	KindReel = "reel"
	KindPost = "p"
	KindTV   = "tv"
)

// URLInfo contains parsed information from a media link
type URLInfo struct {
	OriginalURL string
	Domain      string
	// Kind is the canonical path segment: reel, p or tv
	Kind      string
	Shortcode string
}

// URLValidator handles URL validation and parsing for supported media links
type URLValidator struct {
	allowedDomains []string
	pathPattern    *regexp.Regexp
}

// DefaultAllowedDomains are the hosts accepted when no list is configured
var DefaultAllowedDomains = []string{
	"instagram.com",
	"www.instagram.com",
	"m.instagram.com",
	"instagr.am",
}

// NewURLValidator creates a new URL validator for the given hosts
func NewURLValidator(allowedDomains ...string) *URLValidator {
	if len(allowedDomains) == 0 {
		allowedDomains = DefaultAllowedDomains
	}
	domains := make([]string, 0, len(allowedDomains))
	for _, d := range allowedDomains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
	}

	return &URLValidator{
		allowedDomains: domains,
		// /reel/<code>/, /reels/<code>/, /p/<code>/, /tv/<code>/ with an optional
		// leading /<username>/ as used by profile-scoped share links
		pathPattern: regexp.MustCompile(`^(?:/[A-Za-z0-9._]+)?/(reels?|p|tv)/([A-Za-z0-9_-]{5,})/?$`),
	}
}

// ValidateURL validates scheme and host
func (v *URLValidator) ValidateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return internal.NewInvalidInputError(rawURL, "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return internal.NewInvalidInputError(rawURL, fmt.Sprintf("invalid URL format: %v", err))
	}

	// Check if the scheme is http or https
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return internal.NewInvalidInputError(rawURL, "URL must use http or https protocol")
	}

	// Normalize the host (remove port if present)
	host := strings.ToLower(parsedURL.Hostname())
	for _, allowedDomain := range v.allowedDomains {
		if host == allowedDomain {
			return nil
		}
	}

	return internal.NewInvalidInputError(rawURL, fmt.Sprintf("unsupported host: %s", host)).
		WithContext("allowed_domains", strings.Join(v.allowedDomains, ","))
}

// ParseURL validates the link and extracts the media kind and shortcode.
// It never touches the network.
func (v *URLValidator) ParseURL(rawURL string) (*URLInfo, error) {
	if err := v.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, internal.NewInvalidInputError(rawURL, fmt.Sprintf("failed to parse URL: %v", err))
	}

	matches := v.pathPattern.FindStringSubmatch(parsedURL.Path)
	if matches == nil {
		return nil, internal.NewInvalidInputError(rawURL, "path is not a reel or post link")
	}

	kind := matches[1]
	if kind == "reels" {
		kind = KindReel
	}

	return &URLInfo{
		OriginalURL: rawURL,
		Domain:      strings.ToLower(parsedURL.Hostname()),
		Kind:        kind,
		Shortcode:   matches[2],
	}, nil
}

// IsSupported reports whether a link has a supported shape, for cheap pre-checks in chat glue
func (v *URLValidator) IsSupported(rawURL string) bool {
	_, err := v.ParseURL(rawURL)
	return err == nil
}

// CanonicalURL rebuilds the link on the given platform base, dropping tracking parameters
func (urlInfo *URLInfo) CanonicalURL(base string) string {
	return fmt.Sprintf("%s/%s/%s/", strings.TrimRight(base, "/"), urlInfo.Kind, urlInfo.Shortcode)
}

// String returns a string representation of the URLInfo
func (urlInfo *URLInfo) String() string {
	return fmt.Sprintf("URLInfo{Domain: %s, Kind: %s, Shortcode: %s}",
		urlInfo.Domain, urlInfo.Kind, urlInfo.Shortcode)
}
