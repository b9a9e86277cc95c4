// Package security provides input validation for API-submitted tasks,
// sanitization for log output, and sensitive header masking.
package security

import (
	"net/http"
	"path/filepath"
	"strings"
	"unicode"
)

// Path validation errors.
var (
	ErrPathEmpty      = &PathError{Reason: "path is empty"}
	ErrPathNullByte   = &PathError{Reason: "path contains null byte"}
	ErrPathTraversal  = &PathError{Reason: "path traversal detected"}
	ErrPathOutside    = &PathError{Reason: "path is outside the spool directory"}
	ErrPathTooLong    = &PathError{Reason: "path exceeds maximum length"}
	ErrPathNotInSpool = &PathError{Reason: "spool directory is not configured"}
)

// PathError represents a path validation error.
type PathError struct {
	Reason string
	Path   string
}

func (e *PathError) Error() string {
	if e.Path != "" {
		return e.Reason + ": " + e.Path
	}
	return e.Reason
}

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 1024

// ValidateSpoolPath checks that an artifact path submitted over the API
// resolves to a file inside spoolDir. Relative paths are taken relative to
// spoolDir. It returns the cleaned absolute path.
func ValidateSpoolPath(path, spoolDir string) (string, error) {
	if path == "" {
		return "", ErrPathEmpty
	}
	if strings.Contains(path, "\x00") {
		return "", &PathError{Reason: ErrPathNullByte.Reason, Path: "[contains null byte]"}
	}
	if len(path) > MaxPathLength {
		return "", &PathError{Reason: ErrPathTooLong.Reason, Path: path[:50] + "..."}
	}
	if spoolDir == "" {
		return "", ErrPathNotInSpool
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", &PathError{Reason: ErrPathTraversal.Reason, Path: SanitizeForLog(path)}
		}
	}

	root, err := filepath.Abs(spoolDir)
	if err != nil {
		return "", &PathError{Reason: ErrPathOutside.Reason, Path: SanitizeForLog(path)}
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", &PathError{Reason: ErrPathOutside.Reason, Path: SanitizeForLog(path)}
	}
	return abs, nil
}

// SanitizeForLog sanitizes a string for safe logging.
// Newlines, carriage returns and tabs are escaped, other control characters
// are dropped and the result is truncated to 200 characters.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 200)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}

// sensitiveHeaders are HTTP header names that are masked in logs.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"api-key":             true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// sensitiveFieldPatterns mark a header or key name as sensitive.
var sensitiveFieldPatterns = []string{
	"password",
	"secret",
	"token",
	"key",
	"credential",
	"auth",
}

// MaskSensitiveHeaders creates a copy of headers with sensitive values masked.
func MaskSensitiveHeaders(headers http.Header) http.Header {
	if headers == nil {
		return nil
	}

	masked := make(http.Header, len(headers))
	for key, values := range headers {
		if isSensitiveKey(key) {
			masked[key] = []string{"[REDACTED]"}
		} else {
			masked[key] = append([]string(nil), values...)
		}
	}
	return masked
}

// MaskSensitiveMap masks sensitive values in a string map, such as the
// settings printed by `rice-eval serve` at startup.
func MaskSensitiveMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	masked := make(map[string]string, len(m))
	for key, value := range m {
		if isSensitiveKey(key) && value != "" {
			masked[key] = "[REDACTED]"
		} else {
			masked[key] = value
		}
	}
	return masked
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveHeaders[lower] {
		return true
	}
	for _, pattern := range sensitiveFieldPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
