package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the raw shared secret for cron-style callers that cannot mint tokens.
const SecretHeader = "X-Batch-Secret"

// VerifyBatchCredential accepts either the raw shared secret (SecretHeader or a Bearer value
// equal to the secret) or an HS256 token signed with it that carries RoleScheduler.
func VerifyBatchCredential(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	if raw := r.Header.Get(SecretHeader); raw != "" {
		return constantTimeEqual(raw, secret)
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authz, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if constantTimeEqual(token, secret) {
		return true
	}
	claims, err := ParseAndVerifyHS256(token, secret)
	if err != nil {
		return false
	}
	return claims.Role == RoleScheduler
}

// RequireBatchCredential rejects requests without a valid batch credential with 401.
func RequireBatchCredential(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !VerifyBatchCredential(r, secret) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
