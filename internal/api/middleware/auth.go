package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/conveyor/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Auth checks the bearer token the execution backend presents on callbacks
// against a bcrypt hash.
type Auth struct {
	tokenHash []byte
}

// NewAuth returns nil when hash is empty; the router then disables the
// routes Auth would guard.
func NewAuth(hash string) *Auth {
	if hash == "" {
		return nil
	}
	return &Auth{tokenHash: []byte(hash)}
}

// Authenticate rejects requests whose bearer token does not match the hash.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}

		if bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)) != nil {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid callback token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
