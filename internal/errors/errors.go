// Package errors provides error types and handling for the screenshot crawler.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Navigation represents page loads that failed or never settled.
	Navigation
	// Timeout represents a bounded wait that ran out.
	Timeout
	// Auth represents authentication that could not be established.
	Auth
	// Captcha represents a challenge that could not be solved.
	Captcha
	// Decrypt represents a credential record that failed to decrypt.
	Decrypt
	// Abandoned represents a human escalation that ended without a login.
	Abandoned
	// Capture represents screenshot or file write failures.
	Capture
	// Browser represents browser/CDP errors.
	Browser
	// Config represents invalid configuration or target input.
	Config
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Navigation:
		return "navigation"
	case Timeout:
		return "timeout"
	case Auth:
		return "auth"
	case Captcha:
		return "captcha"
	case Decrypt:
		return "decrypt"
	case Abandoned:
		return "abandoned"
	case Capture:
		return "capture"
	case Browser:
		return "browser"
	case Config:
		return "config"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type are transient.
// Only landing navigation is ever retried, and only once.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Navigation, Timeout:
		return true
	default:
		return false
	}
}

// CrawlError represents a categorized crawl error.
type CrawlError struct {
	Type      ErrorType
	URL       string
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *CrawlError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error during %s", e.Type, e.Operation)
	if e.URL != "" {
		fmt.Fprintf(&b, " on %s", e.URL)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *CrawlError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CrawlError of the same type.
func (e *CrawlError) Is(target error) bool {
	t, ok := target.(*CrawlError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// NewCrawlError creates a new CrawlError.
func NewCrawlError(errType ErrorType, url, operation, message string, cause error) *CrawlError {
	return &CrawlError{
		Type:      errType,
		URL:       url,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewNavigationError creates a navigation error.
func NewNavigationError(url string, cause error) *CrawlError {
	return NewCrawlError(Navigation, url, "navigate", "page did not load", cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Timeout, url, operation, "timed out", cause)
}

// NewAuthError creates an authentication error.
func NewAuthError(url, operation, message string) *CrawlError {
	return NewCrawlError(Auth, url, operation, message, nil)
}

// NewCaptchaError creates a CAPTCHA error.
func NewCaptchaError(url, message string, cause error) *CrawlError {
	return NewCrawlError(Captcha, url, "captcha", message, cause)
}

// NewDecryptError creates a credential decryption error.
func NewDecryptError(slug string, cause error) *CrawlError {
	return NewCrawlError(Decrypt, "", "decrypt "+slug, "credential record could not be decrypted", cause)
}

// NewAbandonedError creates an abandonment error.
func NewAbandonedError(url, reason string) *CrawlError {
	return NewCrawlError(Abandoned, url, "escalation", reason, nil)
}

// NewCaptureError creates a capture error.
func NewCaptureError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Capture, url, operation, "capture failed", cause)
}

// NewBrowserError creates a browser error.
func NewBrowserError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Browser, url, operation, "browser operation failed", cause)
}

// NewConfigError creates a configuration error.
func NewConfigError(operation, message string) *CrawlError {
	return NewCrawlError(Config, "", operation, message, nil)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(url, operation string) *CrawlError {
	return NewCrawlError(Cancelled, url, operation, "operation cancelled", context.Canceled)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, url string) *CrawlError {
	if err == nil {
		return nil
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(url, "navigate")
	}

	if isTimeout(err) {
		return NewTimeoutError(url, "navigate", err)
	}

	if isNetworkError(err) {
		return NewNavigationError(url, err)
	}

	return NewCrawlError(Unknown, url, "navigate", err.Error(), err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// Chrome reports load failures as net::ERR_* strings.
	errStr := err.Error()
	return strings.Contains(errStr, "net::ERR_") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Retryable
	}

	return isTimeout(err) || isNetworkError(err)
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Type
	}
	return Unknown
}

// IsType reports whether err carries the given type anywhere in its chain.
func IsType(err error, t ErrorType) bool {
	return err != nil && GetErrorType(err) == t
}
