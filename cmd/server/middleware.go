package main

import (
	"net/http"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/auth"
	"github.com/guido-cesarano/opgeeweb/pkg/logger"
)

// authMiddleware lets a request through when no API key is configured, when
// X-API-Key matches, or when it carries a valid session cookie.
func authMiddleware(next http.HandlerFunc, requiredKey string, sessions *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" || r.Header.Get("X-API-Key") == requiredKey || hasSession(r, sessions) {
			next(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	}
}

func hasSession(r *http.Request, sessions *auth.Service) bool {
	if sessions == nil {
		return false
	}
	cookie, err := r.Cookie(auth.CookieName)
	if err != nil {
		return false
	}
	_, err = sessions.ValidateToken(cookie.Value)
	return err == nil
}

// enableCORS adds CORS headers and answers preflight requests before routing,
// so OPTIONS never reaches auth.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logRequests writes one log line per request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Status polls arrive every second per task; keep them out of info.
		ev := logger.Log.Info()
		if r.Method == http.MethodGet && rec.status == http.StatusOK {
			ev = logger.Log.Debug()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}
