package shield

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/isakskogstad/LoopDesk-sub005/kit"
)

// BasicAuth guards admin routes with one user and a bcrypt password hash.
// An empty hash rejects every request. The user is put in the context
// (kit.GetUserID).
func BasicAuth(realm, user, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || passwordHash == "" ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)) != nil {
				GetLogger(r.Context()).Warn("shield: basic auth rejected", "user", u)
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithUserID(r.Context(), u)))
		})
	}
}

// BearerToken guards machine routes (cron) with a shared secret sent as
// "Authorization: Bearer <secret>". An empty secret rejects every request.
// Accepted callers are identified as user "cron".
func BearerToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				GetLogger(r.Context()).Warn("shield: bearer token rejected")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithUserID(r.Context(), "cron")))
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
