// Package util provides shared helpers and error types for the edge proxy.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrUpstreamUnavailable.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., AdmissionError, PolicyError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrConnectionLimited   = errors.New("connection limit exceeded")
	ErrPolicyDenied        = errors.New("request denied by policy")
	ErrBodyTooLarge        = errors.New("request body too large")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// AdmissionKind distinguishes the two admission rejection causes.
type AdmissionKind string

const (
	// AdmissionRate indicates a token-bucket rejection.
	AdmissionRate AdmissionKind = "rate"

	// AdmissionConnections indicates a per-client connection ceiling rejection.
	AdmissionConnections AdmissionKind = "connections"
)

// AdmissionError represents a rate or connection-limit rejection.
// It always carries a retry hint; rejections are retriable by contract.
type AdmissionError struct {
	Kind       AdmissionKind
	Client     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied (%s) for client %s, retry after %v",
		e.Kind, e.Client, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *AdmissionError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == AdmissionRate
	case ErrConnectionLimited:
		return e.Kind == AdmissionConnections
	}
	_, ok := target.(*AdmissionError)
	return ok
}

// NewAdmissionError creates a new AdmissionError.
func NewAdmissionError(kind AdmissionKind, client string, retryAfter time.Duration) *AdmissionError {
	return &AdmissionError{Kind: kind, Client: client, RetryAfter: retryAfter}
}

// PolicyError represents a request filtered out by policy.
// Policy denials are client errors and are never retriable.
type PolicyError struct {
	Reason string
	Path   string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy denied: %s (path %s)", e.Reason, e.Path)
}

// Is checks if the error matches the target.
func (e *PolicyError) Is(target error) bool {
	if target == ErrPolicyDenied {
		return true
	}
	_, ok := target.(*PolicyError)
	return ok
}

// NewPolicyError creates a new PolicyError.
func NewPolicyError(reason, path string) *PolicyError {
	return &PolicyError{Reason: reason, Path: path}
}

// UpstreamError represents a failure talking to the upstream gateway.
type UpstreamError struct {
	Target  string
	Message string
	Timeout bool
	Cause   error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Target, e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream %s: %s", e.Target, e.Message)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamTimeout:
		return e.Timeout
	case ErrUpstreamUnavailable:
		return true
	}
	_, ok := target.(*UpstreamError)
	return ok || errors.Is(e.Cause, target)
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(target, message string, cause error) *UpstreamError {
	return &UpstreamError{Target: target, Message: message, Cause: cause}
}

// NewUpstreamTimeoutError creates an UpstreamError marked as a timeout.
func NewUpstreamTimeoutError(target string, cause error) *UpstreamError {
	return &UpstreamError{Target: target, Message: "timeout", Timeout: true, Cause: cause}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}
