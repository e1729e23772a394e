package auth

import (
	"encoding/json"
	"net/http"
)

// Middleware validates the bearer JWT on every request and stores the
// caller in the request context. Requests without a valid token get 401.
// A nil validator disables authentication (local development).
func Middleware(validator Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			token := ExtractBearer(r.Header.Get("Authorization"))
			if token == "" {
				writeAuthError(w, "missing bearer token")
				return
			}

			user, err := validator.Validate(r.Context(), token)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  "unauthorized",
		"detail": detail,
	})
}
