package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// ErrorKind represents the class of a retrieval failure
type ErrorKind int

const (
	KindInvalidInput ErrorKind = iota
	KindBadCredentials
	KindAuthTransient
	KindNotFound
	KindEmptyPayload
	KindTimeout
	KindTooLarge
	KindRetriesExhausted
	KindUpstream
	KindMalformedResponse
	KindSessionRejected
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// FetchError is the typed error surfaced by every engine layer
type FetchError struct {
	Kind       ErrorKind              `json:"kind"`
	Op         string                 `json:"op,omitempty"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code,omitempty"`
	Strategy   string                 `json:"strategy,omitempty"`
	URL        string                 `json:"url,omitempty"`
	Severity   ErrorSeverity          `json:"severity"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *FetchError) Error() string {
	var parts []string

	head := fmt.Sprintf("%s error", e.Kind.String())
	if e.Op != "" {
		head = fmt.Sprintf("%s: %s", e.Op, head)
	}
	if e.StatusCode != 0 {
		head = fmt.Sprintf("%s (status: %d)", head, e.StatusCode)
	}
	parts = append(parts, head)

	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause
func (e *FetchError) Unwrap() error {
	return e.Err
}

// DetailedError returns a detailed error message with all available information
func (e *FetchError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Kind.String()))

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Op))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("Status: %d", e.StatusCode))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Strategy != "" {
		parts = append(parts, fmt.Sprintf("Strategy: %s", e.Strategy))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}
	if e.Err != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Err))
	}
	return finishDetail(parts, e.Context, e.Suggestion)
}

// finishDetail appends the sorted context and the suggestion to a detail listing
func finishDetail(lines []string, ctx map[string]interface{}, suggestion string) string {
	if len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s=%v", k, ctx[k])
		}
		lines = append(lines, "Context: "+strings.Join(pairs, ", "))
	}
	if suggestion != "" {
		lines = append(lines, "\nSuggestion: "+suggestion)
	}
	return strings.Join(lines, "\n")
}

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindBadCredentials:
		return "BadCredentials"
	case KindAuthTransient:
		return "AuthTransient"
	case KindNotFound:
		return "NotFound"
	case KindEmptyPayload:
		return "EmptyPayload"
	case KindTimeout:
		return "Timeout"
	case KindTooLarge:
		return "TooLarge"
	case KindRetriesExhausted:
		return "RetriesExhausted"
	case KindUpstream:
		return "Upstream"
	case KindMalformedResponse:
		return "MalformedResponse"
	case KindSessionRejected:
		return "SessionRejected"
	default:
		return "Unknown"
	}
}

var severityNames = [...]string{"INFO", "WARNING", "ERROR", "CRITICAL"}

func (es ErrorSeverity) String() string {
	if es < 0 || int(es) >= len(severityNames) {
		return "UNKNOWN"
	}
	return severityNames[es]
}

// NewFetchError creates a new FetchError with default severity and suggestion
func NewFetchError(kind ErrorKind, op, message string) *FetchError {
	return &FetchError{
		Kind:       kind,
		Op:         op,
		Message:    message,
		Severity:   getDefaultSeverity(kind),
		Suggestion: getDefaultSuggestion(kind),
		Context:    make(map[string]interface{}),
	}
}

// WrapFetchError creates a FetchError around an underlying cause
func WrapFetchError(kind ErrorKind, op, message string, err error) *FetchError {
	e := NewFetchError(kind, op, message)
	e.Err = err
	return e
}

// WithSuggestion adds a custom suggestion to the error
func (e *FetchError) WithSuggestion(suggestion string) *FetchError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (will be redacted in logs)
func (e *FetchError) WithURL(url string) *FetchError {
	e.URL = url
	return e
}

// WithStatus records the upstream HTTP status
func (e *FetchError) WithStatus(code int) *FetchError {
	e.StatusCode = code
	return e
}

// WithStrategy records the strategy that produced the error
func (e *FetchError) WithStrategy(name string) *FetchError {
	e.Strategy = name
	return e
}

// WithContext adds context information to the error
func (e *FetchError) WithContext(key string, value interface{}) *FetchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if another attempt may succeed
func (e *FetchError) IsRetryable() bool {
	switch e.Kind {
	case KindAuthTransient, KindTimeout, KindEmptyPayload:
		return true
	case KindUpstream:
		// network failures carry no status
		return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *FetchError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// KindOf returns the kind of the outermost FetchError in the chain
func KindOf(err error) (ErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// HasKind reports whether any FetchError in the chain has the given kind
func HasKind(err error, kind ErrorKind) bool {
	for err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// IsRetryable classifies an arbitrary error as Retryable (true) or Fatal (false)
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// transientFragments identify untyped network errors worth another attempt
var transientFragments = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"temporary failure",
	"broken pipe",
	"unexpected eof",
}

// ValidationError reports a bad flag, environment variable or config value
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

func (e *ValidationError) Error() string {
	msg := "validation error for " + e.Field + ": " + e.Message
	if e.Suggestion != "" {
		msg += " - Suggestion: " + e.Suggestion
	}
	return msg
}

func (e *ValidationError) DetailedError() string {
	lines := []string{
		fmt.Sprintf("Validation Error for field '%s'", e.Field),
		"Message: " + e.Message,
	}
	if e.Value != nil {
		lines = append(lines, fmt.Sprintf("Provided value: %v", e.Value))
	}
	return finishDetail(lines, e.Context, e.Suggestion)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewValidationErrorWithValue also records the rejected value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	e.Context[key] = value
	return e
}

func getDefaultSuggestion(kind ErrorKind) string {
	switch kind {
	case KindInvalidInput:
		return "Send a link to a reel or post, e.g. https://www.instagram.com/reel/<code>/"
	case KindBadCredentials:
		return "Check REELFETCH_USERNAME and REELFETCH_PASSWORD; the account rejected the login"
	case KindAuthTransient:
		return "Login could not complete because of a network problem. Try again later"
	case KindNotFound:
		return "The media may be private, removed, or the platform changed its pages"
	case KindEmptyPayload:
		return "The media host returned no data. Try again later"
	case KindTimeout:
		return "Check your internet connection or raise --timeout. Consider using a proxy if needed"
	case KindTooLarge:
		return "The media exceeds the configured maximum payload size (--max-size)"
	case KindRetriesExhausted:
		return "The upstream kept failing. Try again later"
	case KindUpstream:
		return "The upstream returned an error. Consider using --proxy if requests are being blocked"
	case KindMalformedResponse:
		return "The upstream response format was not recognized. The platform might have changed"
	case KindSessionRejected:
		return "The stored session is no longer accepted; a fresh login will be attempted"
	default:
		return "Please check the error details and try again"
	}
}

func getDefaultSeverity(kind ErrorKind) ErrorSeverity {
	switch kind {
	case KindAuthTransient, KindTimeout, KindEmptyPayload, KindUpstream, KindSessionRejected:
		return SeverityWarning
	case KindBadCredentials:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL drops the query, which carries CDN signatures and tokens
func redactSensitiveURL(url string) string {
	if base, _, ok := strings.Cut(url, "?"); ok {
		return base + "?[REDACTED]"
	}
	return url
}

// UserMessage converts the final error of a retrieval into a message for end users
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "❌ The download was cancelled."
	}

	switch {
	case HasKind(err, KindInvalidInput):
		return "❌ Please send a valid Instagram Reels link."
	case HasKind(err, KindBadCredentials):
		return "❌ The downloader is misconfigured right now. Please try again later."
	case HasKind(err, KindTooLarge):
		return "❌ This video is too large to send."
	case HasKind(err, KindNotFound):
		return "❌ Could not find a video at this link. It may be private or removed."
	case HasKind(err, KindAuthTransient):
		return "❌ The service is temporarily unavailable. Please try again later."
	case HasKind(err, KindTimeout), HasKind(err, KindEmptyPayload):
		return "❌ The download did not complete. Please try again."
	default:
		return "❌ Something went wrong while downloading the video."
	}
}

// Common error constructors for frequently used errors

// NewInvalidInputError creates an error for URLs that match no supported shape
func NewInvalidInputError(url string, reason string) *FetchError {
	return NewFetchError(KindInvalidInput, "validate", fmt.Sprintf("invalid URL: %s", reason)).
		WithURL(url)
}

// NewBadCredentialsError creates an error for rejected logins
func NewBadCredentialsError(message string) *FetchError {
	return NewFetchError(KindBadCredentials, "login", message)
}

// NewAuthTransientError creates an error for logins interrupted by the network
func NewAuthTransientError(cause error) *FetchError {
	return WrapFetchError(KindAuthTransient, "login", "login did not complete", cause)
}

// NewNotFoundError creates an error for an exhausted resolver chain
func NewNotFoundError(url string) *FetchError {
	return NewFetchError(KindNotFound, "resolve", "no strategy produced a media URL").
		WithURL(url)
}

// NewRetriesExhaustedError wraps the last retryable error after the final attempt
func NewRetriesExhaustedError(attempts int, last error) *FetchError {
	return WrapFetchError(KindRetriesExhausted, "retry", fmt.Sprintf("gave up after %d attempts", attempts), last).
		WithContext("attempts", attempts)
}

// NewUpstreamStatusError creates an error for an unexpected upstream HTTP status
func NewUpstreamStatusError(url string, status int) *FetchError {
	return NewFetchError(KindUpstream, "http", fmt.Sprintf("unexpected HTTP status %d", status)).
		WithStatus(status).
		WithURL(url)
}

// NewNetworkError wraps a transport failure
func NewNetworkError(url string, cause error) *FetchError {
	return WrapFetchError(KindUpstream, "http", "request failed", cause).
		WithURL(url)
}

// NewMalformedResponseError creates an error for responses that cannot be parsed
func NewMalformedResponseError(message string, cause error) *FetchError {
	return WrapFetchError(KindMalformedResponse, "resolve", message, cause)
}

// NewSessionRejectedError creates an error for an upstream refusing the current session
func NewSessionRejectedError(url string, status int) *FetchError {
	return NewFetchError(KindSessionRejected, "http", "session rejected by upstream").
		WithStatus(status).
		WithURL(url)
}
