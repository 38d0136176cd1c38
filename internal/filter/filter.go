// Package filter enforces request policy before anything reaches the
// upstream: denied path patterns and request body size limits.
package filter

import (
	"io"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/mobedge/internal/observability"
	"github.com/vyrodovalexey/mobedge/internal/util"
)

// Denial response bodies.
const (
	errForbidden    = `{"error":"forbidden"}`
	errBodyTooLarge = `{"error":"request entity too large"}`
)

// Filter denial reason label values.
const (
	ReasonDeniedPath   = "denied_path"
	ReasonBodyTooLarge = "body_too_large"
)

// Policy holds the denied path patterns. Patterns match anywhere in the
// path, case-insensitively, so traversal into dotfiles or tooling
// directories is caught at any depth.
type Policy struct {
	patterns []string
}

// NewPolicy creates a policy from denied patterns. Patterns are
// normalized to lower case once at construction.
func NewPolicy(patterns []string) *Policy {
	normalized := make([]string, len(patterns))
	for i, p := range patterns {
		normalized[i] = strings.ToLower(p)
	}
	return &Policy{patterns: normalized}
}

// Check returns a policy error when the path matches a denied pattern.
func (p *Policy) Check(path string) error {
	lower := strings.ToLower(path)
	for _, pattern := range p.patterns {
		if strings.Contains(lower, pattern) {
			return util.NewPolicyError(pattern, path)
		}
	}
	return nil
}

// Middleware returns a middleware that applies the path policy and
// bounds the request body. Oversized bodies are rejected early from
// Content-Length when declared, and mid-stream otherwise.
func Middleware(
	policy *Policy,
	maxBodyBytes int64,
	metrics *observability.Metrics,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := policy.Check(r.URL.Path); err != nil {
				logger.WithContext(r.Context()).Warn("path denied by policy",
					observability.String("path", r.URL.Path),
					observability.Error(err),
				)
				metrics.RecordFilterDenial(ReasonDeniedPath)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = io.WriteString(w, errForbidden)
				return
			}

			if maxBodyBytes > 0 {
				if r.ContentLength > maxBodyBytes {
					logger.WithContext(r.Context()).Warn("request body too large",
						observability.Int64("content_length", r.ContentLength),
						observability.Int64("max_body_bytes", maxBodyBytes),
						observability.String("path", r.URL.Path),
					)
					metrics.RecordFilterDenial(ReasonBodyTooLarge)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					_, _ = io.WriteString(w, errBodyTooLarge)
					return
				}

				// Chunked or undeclared bodies are bounded while read.
				// The budget is one byte past the limit so a body of
				// exactly the limit is distinguishable from an
				// oversized one.
				if r.Body != nil {
					r.Body = &limitedReadCloser{
						ReadCloser: r.Body,
						remaining:  maxBodyBytes + 1,
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitedReadCloser bounds the number of bytes readable from a request
// body. Reads past the limit fail with ErrBodyTooLarge, which the proxy
// transport surfaces as a failed upstream write rather than silently
// truncating the body.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

// Read reads up to len(p) bytes, respecting the remaining budget.
func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, util.ErrBodyTooLarge
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)

	// Consuming the sentinel byte means the body ran past the limit.
	if l.remaining <= 0 {
		return n, util.ErrBodyTooLarge
	}

	return n, err
}
