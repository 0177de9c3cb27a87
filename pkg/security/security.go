// Package security provides validation, sanitization, and limits for vapp-jobs.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobTypeNameLength is the maximum length for job type names
	MaxJobTypeNameLength = 255

	// MaxJobArgsSize is the maximum size in bytes for job arguments (256KB)
	MaxJobArgsSize = 256 << 10

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 25

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 256

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for queue names
	MaxQueueNameLength = 100

	// MaxUniqueKeyLength is the maximum length for unique keys
	MaxUniqueKeyLength = 255

	// MaxResourceIDLength matches the events.resource_id column
	MaxResourceIDLength = 150
)

var (
	validJobTypeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)
	// vCloud ids are urns ("urn:vcloud:vm:<uuid>") or href tails ("vm-<uuid>").
	validResourceID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.:]*$`)
	// Provider exceptions can echo request headers back.
	secretPattern = regexp.MustCompile(`(?i)(x-vcloud-authorization|authorization|password)(["']?\s*[:=]\s*["']?)[^\s"',;]+`)
)

// ValidateJobTypeName validates a job type name
func ValidateJobTypeName(name string) error {
	if name == "" {
		return core.ErrInvalidJobTypeName
	}
	if len(name) > MaxJobTypeNameLength {
		return core.ErrJobTypeNameTooLong
	}
	if !validJobTypeName.MatchString(name) {
		return core.ErrInvalidJobTypeName
	}
	return nil
}

// ValidateQueueName validates a queue name
func ValidateQueueName(name string) error {
	if name == "" {
		return core.ErrInvalidQueueName
	}
	if len(name) > MaxQueueNameLength {
		return core.ErrQueueNameTooLong
	}
	if !validJobTypeName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// ValidateResourceID validates a vApp or VM identifier used as a busy key.
func ValidateResourceID(id string) error {
	if id == "" || len(id) > MaxResourceIDLength || !validResourceID.MatchString(id) {
		return core.ErrInvalidResourceID
	}
	return nil
}

// SanitizeErrorMessage strips control characters, masks credentials and
// truncates the message for storage.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := secretPattern.ReplaceAllString(sanitized.String(), "${1}${2}[REDACTED]")

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ValidateUniqueKey validates a unique key length
func ValidateUniqueKey(key string) error {
	if len(key) > MaxUniqueKeyLength {
		return core.ErrUniqueKeyTooLong
	}
	return nil
}
