package filter

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
	"github.com/vyrodovalexey/mobedge/internal/util"
)

func TestPolicyCheck(t *testing.T) {
	t.Parallel()

	policy := NewPolicy(config.FilterConfig{}.GetDeniedPatterns())

	tests := []struct {
		name   string
		path   string
		denied bool
	}{
		{name: "clean api path", path: "/api/v1/users", denied: false},
		{name: "git directory", path: "/api/v1/.git/config", denied: true},
		{name: "env file", path: "/api/.env", denied: true},
		{name: "case insensitive", path: "/api/v1/.GIT/HEAD", denied: true},
		{name: "wp config", path: "/api/wp-config.php", denied: true},
		{name: "ssh key", path: "/backup/id_rsa.pub", denied: true},
		{name: "similar but clean", path: "/api/v1/gitlab", denied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := policy.Check(tt.path)
			if tt.denied {
				require.Error(t, err)
				assert.ErrorIs(t, err, util.ErrPolicyDenied)

				var perr *util.PolicyError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.path, perr.Path)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func testMiddleware(maxBody int64) http.Handler {
	policy := NewPolicy(config.FilterConfig{}.GetDeniedPatterns())
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			if _, err := io.Copy(io.Discard, r.Body); err != nil {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(policy, maxBody,
		observability.NewMetrics("test"), observability.NopLogger())(inner)
}

func TestMiddlewareDeniesPath(t *testing.T) {
	t.Parallel()

	handler := testMiddleware(1024)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/.git/config", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, errForbidden, rec.Body.String())
}

func TestMiddlewareRejectsDeclaredOversizedBody(t *testing.T) {
	t.Parallel()

	handler := testMiddleware(10)

	body := strings.NewReader(strings.Repeat("x", 100))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/items", body)
	require.Equal(t, int64(100), req.ContentLength)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, errBodyTooLarge, rec.Body.String())
}

func TestMiddlewareRejectsUndeclaredOversizedBody(t *testing.T) {
	t.Parallel()

	handler := testMiddleware(10)

	// No declared length, so the limit is enforced while reading.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/items",
		io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("x"), 100))))
	req.ContentLength = -1

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMiddlewareAllowsBodyAtLimit(t *testing.T) {
	t.Parallel()

	handler := testMiddleware(10)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items",
		io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("x"), 10))))
	req.ContentLength = -1

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code,
		"a body of exactly the limit must pass")
}

func TestLimitedReadCloserSurfacesBodyTooLarge(t *testing.T) {
	t.Parallel()

	rc := &limitedReadCloser{
		ReadCloser: io.NopCloser(strings.NewReader("0123456789abcdef")),
		remaining:  5,
	}

	_, err := io.ReadAll(rc)
	assert.ErrorIs(t, err, util.ErrBodyTooLarge)
}
