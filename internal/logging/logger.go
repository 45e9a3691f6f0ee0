// Package logging provides structured logging with automatic secret redaction.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const component = "kbchat"

// Field names whose values must never reach log output.
var secretFieldNames = []string{
	"secretaccesskey",
	"secret_access_key",
	"sessiontoken",
	"session_token",
	"passphrase",
	"password",
	"secret",
	"token",
	"private_key",
	"privatekey",
	"credentials",
	"file_content",
}

var jsonStringField = regexp.MustCompile(`"([A-Za-z0-9_\-]+)":"((?:[^"\\]|\\.)*)"`)

// RedactingWriter rewrites JSON log lines so that string values of secret
// fields are replaced by RedactValue placeholders before reaching inner.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter wraps inner with secret redaction.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (int, error) {
	out := jsonStringField.ReplaceAllFunc(p, func(m []byte) []byte {
		sub := jsonStringField.FindSubmatch(m)
		if len(sub) != 3 || !IsSecretField(string(sub[1])) {
			return m
		}
		return []byte(`"` + string(sub[1]) + `":"` + RedactValue(string(sub[2])) + `"`)
	})
	if _, err := rw.inner.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// FileOptions configures the rotating JSON log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewLogger creates a console logger on stderr.
func NewLogger(level string, profile string) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	logger := zerolog.New(NewRedactingWriter(writer)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()

	if profile != "" {
		logger = logger.With().Str("profile", profile).Logger()
	}
	return logger
}

// NewJSONLogger creates a JSON logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(NewRedactingWriter(w)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewFileLogger logs to the console and, as JSON, to a rotating file.
// The returned closer releases the file handle.
func NewFileLogger(level string, opts FileOptions) (zerolog.Logger, io.Closer) {
	file := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	multi := zerolog.MultiLevelWriter(console, file)

	logger := zerolog.New(NewRedactingWriter(multi)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return logger, file
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}

// MaskAccessKey shortens an access key id for display: the first eight
// characters followed by "...".
func MaskAccessKey(keyID string) string {
	if len(keyID) <= 8 {
		return keyID
	}
	return keyID[:8] + "..."
}
