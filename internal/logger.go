package internal

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel orders messages from most to least important
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

var levelNames = [...]string{"ERROR", "WARN", "INFO", "DEBUG"}

func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

const redacted = "[REDACTED]"

// Redactor masks secrets in a log line before it is written
type Redactor interface {
	Redact(input string) string
}

// RedactorFunc adapts a plain function to Redactor
type RedactorFunc func(string) string

func (f RedactorFunc) Redact(input string) string { return f(input) }

// SecretRedactor masks whatever follows one of its keys, up to the first stop byte.
// Keys match case-insensitively.
type SecretRedactor struct {
	Keys  []string
	Stops string
}

// CredentialRedactor covers session cookies and authorization headers
func CredentialRedactor() *SecretRedactor {
	return &SecretRedactor{
		Keys: []string{
			"sessionid=",
			"csrftoken=",
			"ds_user_id=",
			"Cookie:",
			"Set-Cookie:",
			"Authorization:",
			"Bearer ",
		},
		Stops: " ;\n\r",
	}
}

// QueryRedactor covers login form fields, API tokens and signed CDN parameters
func QueryRedactor() *SecretRedactor {
	return &SecretRedactor{
		Keys: []string{
			"access_token=",
			"token=",
			"key=",
			"secret=",
			"enc_password=",
			"password=",
			"oe=",
			"_nc_sid=",
		},
		Stops: "&; \n\r",
	}
}

func (r *SecretRedactor) Redact(input string) string {
	for _, key := range r.Keys {
		input = maskAfter(input, key, r.Stops)
	}
	return input
}

func maskAfter(input, key, stops string) string {
	lower := asciiLower(input)
	key = asciiLower(key)

	var out strings.Builder
	pos := 0
	for {
		i := strings.Index(lower[pos:], key)
		if i < 0 {
			break
		}
		start := pos + i + len(key)
		end := start
		for end < len(input) && strings.IndexByte(stops, input[end]) < 0 {
			end++
		}
		out.WriteString(input[pos:start])
		if end > start && input[start:end] != redacted {
			out.WriteString(redacted)
		}
		pos = end
	}
	out.WriteString(input[pos:])
	return out.String()
}

// asciiLower keeps byte offsets aligned with the input, unlike strings.ToLower
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// sensitiveHeaderParts are matched as substrings of the lower-cased header name
var sensitiveHeaderParts = []string{
	"authorization",
	"cookie",
	"x-auth-token",
	"x-api-key",
	"x-ig-www-claim",
	"bearer",
	"token",
}

func isSensitiveHeader(name string) bool {
	name = strings.ToLower(name)
	for _, part := range sensitiveHeaderParts {
		if strings.Contains(name, part) {
			return true
		}
	}
	return false
}

// SecureLogger writes leveled lines with every registered Redactor applied.
// It is safe for concurrent use.
type SecureLogger struct {
	mutex     sync.RWMutex
	out       *log.Logger
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// NewSecureLogger logs to output at level. debug adds the caller's file and line;
// quiet drops everything below errors.
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet bool) *SecureLogger {
	return &SecureLogger{
		out:       log.New(output, "", 0),
		level:     level,
		debug:     debug,
		quiet:     quiet,
		redactors: []Redactor{CredentialRedactor(), QueryRedactor()},
	}
}

// NewDefaultLogger logs to stderr at info, debug or error level
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	switch {
	case quiet:
		level = LogLevelError
	case debug:
		level = LogLevelDebug
	}
	return NewSecureLogger(os.Stderr, level, debug, quiet)
}

func (sl *SecureLogger) Error(format string, args ...interface{}) { sl.logf(LogLevelError, format, args) }
func (sl *SecureLogger) Warn(format string, args ...interface{}) { sl.logf(LogLevelWarn, format, args) }
func (sl *SecureLogger) Info(format string, args ...interface{}) { sl.logf(LogLevelInfo, format, args) }
func (sl *SecureLogger) Debug(format string, args ...interface{}) { sl.logf(LogLevelDebug, format, args) }

// Enabled reports whether a message at level would be written
func (sl *SecureLogger) Enabled(level LogLevel) bool {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()
	return sl.enabled(level)
}

func (sl *SecureLogger) enabled(level LogLevel) bool {
	if sl.quiet && level > LogLevelError {
		return false
	}
	return level <= sl.level
}

func (sl *SecureLogger) logf(level LogLevel, format string, args []interface{}) {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()
	if !sl.enabled(level) {
		return
	}

	line := sl.redact(fmt.Sprintf(format, args...))
	stamp := time.Now().Format("2006-01-02 15:04:05")
	if sl.debug {
		if site := callerSite(); site != "" {
			sl.out.Printf("[%s] %s %s %s", stamp, level, site, line)
			return
		}
	}
	sl.out.Printf("[%s] %s %s", stamp, level, line)
}

func (sl *SecureLogger) redact(line string) string {
	for _, r := range sl.redactors {
		line = r.Redact(line)
	}
	return line
}

// callerSite returns "file.go:line" of the first frame outside the logging files
func callerSite() string {
	for depth := 3; depth <= 6; depth++ {
		_, file, line, ok := runtime.Caller(depth)
		if !ok {
			return ""
		}
		base := filepath.Base(file)
		if base == "logger.go" || base == "log.go" {
			continue
		}
		return fmt.Sprintf("%s:%d", base, line)
	}
	return ""
}

// LogHTTPRequest writes the method, redacted URL and headers at debug level
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.Enabled(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Request: %s %s Headers: %s", req.Method, req.URL.String(), headerSummary(req.Header))
}

// LogHTTPResponse writes the status and redacted headers at debug level
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.Enabled(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Response: %s Headers: %s", resp.Status, headerSummary(resp.Header))
}

// headerSummary renders headers in a stable order with secret values masked
func headerSummary(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value := redacted
		if !isSensitiveHeader(name) {
			value = strings.Join(h[name], ", ")
		}
		parts = append(parts, name+"="+value)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func (sl *SecureLogger) SetLevel(level LogLevel) {
	sl.mutex.Lock()
	sl.level = level
	sl.mutex.Unlock()
}

// AddRedactor appends r; it runs after the built-in redactors
func (sl *SecureLogger) AddRedactor(r Redactor) {
	sl.mutex.Lock()
	sl.redactors = append(sl.redactors, r)
	sl.mutex.Unlock()
}
