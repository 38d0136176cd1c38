// Package middleware provides the HTTP middleware chain for the edge
// proxy: request identity, client IP resolution, response decoration,
// access logging, panic recovery and request metrics.
package middleware

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"

	// HeaderXForwardedFor is the X-Forwarded-For header name.
	HeaderXForwardedFor = "X-Forwarded-For"

	// HeaderOrigin is the Origin header name.
	HeaderOrigin = "Origin"

	// HeaderVary is the Vary header name.
	HeaderVary = "Vary"
)

// Content type constants.
const (
	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"
)

// Error response constants.
const (
	// ErrInternalServerError is the error message for internal server error.
	ErrInternalServerError = `{"error":"internal server error"}`

	// ErrNotFound is the error message for paths outside the API surface.
	ErrNotFound = `{"error":"not found"}`
)
