// Package auth guards internal routes with Google-signed OIDC tokens.
package auth

import (
	"context"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/hanko-field/paypal-express/internal/platform/httpx"
)

// ServiceIdentity is the verified caller of an internal route.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
	Claims   jwt.MapClaims
}

// Principal is the stable identifier used for idempotency scoping and logs.
func (i *ServiceIdentity) Principal() string {
	if i == nil {
		return ""
	}
	if i.Email != "" {
		return i.Email
	}
	return i.Subject
}

type identityKey struct{}

// WithServiceIdentity stores identity on ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func reject(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}
