package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/mobedge/internal/util"
)

// RequestID returns a middleware that assigns each request an ID,
// honoring one supplied by the client. The ID is echoed on the response
// and stored in the context for log correlation.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := util.ContextWithRequestID(r.Context(), requestID)
			w.Header().Set(HeaderXRequestID, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
