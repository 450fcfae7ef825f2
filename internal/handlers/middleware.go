package handlers

import (
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
)

const RequestIDHeader = "X-Request-ID"

// CORS sets permissive cross-origin headers on every response and answers preflight
// requests directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID tags each request with an id, echoed in the response and attached to the
// request-scoped logger. A caller supplied id is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			u, err := uuid.NewV4()
			if err != nil {
				log.Warn().Err(err).Msg("could not generate request id")
			} else {
				id = u.String()
			}
		}

		if id != "" {
			w.Header().Set(RequestIDHeader, id)
		}

		logger := log.With().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}
