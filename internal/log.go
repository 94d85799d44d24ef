package internal

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

var processLogger atomic.Pointer[SecureLogger]

// InitLogger replaces the process logger according to the log settings in config
func InitLogger(config *Config) error {
	var output io.Writer = os.Stderr
	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return NewValidationErrorWithValue("log_file", "failed to open log file: "+err.Error(), config.LogFile).
				WithSuggestion("Check that the directory exists and is writable")
		}
		output = file
	}

	SetLogger(NewSecureLogger(output, parseLogLevel(config.LogLevel), config.EnableDebug, config.QuietMode))
	return nil
}

// GetLogger returns the process logger, creating a stderr logger on first use
func GetLogger() *SecureLogger {
	if l := processLogger.Load(); l != nil {
		return l
	}
	processLogger.CompareAndSwap(nil, NewDefaultLogger(false, false))
	return processLogger.Load()
}

// SetLogger installs l as the process logger
func SetLogger(l *SecureLogger) {
	processLogger.Store(l)
}

var logLevels = map[string]LogLevel{
	"debug":   LogLevelDebug,
	"info":    LogLevelInfo,
	"warn":    LogLevelWarn,
	"warning": LogLevelWarn,
	"error":   LogLevelError,
}

// parseLogLevel maps a config value to a level; unknown values mean info
func parseLogLevel(level string) LogLevel {
	if l, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return LogLevelInfo
}

type correlationKey struct{}

// WithCorrelationID tags ctx with the request correlation id used as a log prefix
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or ""
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// LogPrefix returns "[id] " for a tagged context and "" otherwise
func LogPrefix(ctx context.Context) string {
	if id := CorrelationID(ctx); id != "" {
		return "[" + id + "] "
	}
	return ""
}

func LogError(format string, args ...interface{}) { GetLogger().Error(format, args...) }
func LogWarn(format string, args ...interface{}) { GetLogger().Warn(format, args...) }
func LogInfo(format string, args ...interface{}) { GetLogger().Info(format, args...) }
func LogDebug(format string, args ...interface{}) { GetLogger().Debug(format, args...) }

// LogFetchError writes err at the level matching its severity
func LogFetchError(err *FetchError) {
	logger := GetLogger()
	detail := err.DetailedError()

	switch err.Severity {
	case SeverityInfo:
		logger.Info("%s", detail)
	case SeverityWarning:
		logger.Warn("%s", detail)
	case SeverityCritical:
		logger.Error("CRITICAL: %s", detail)
	default:
		logger.Error("%s", detail)
	}
}

func LogValidationError(err *ValidationError) {
	GetLogger().Error("Validation Error: %s", err.DetailedError())
}
