package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// VerificationRecorder observes each verification outcome.
type VerificationRecorder func(ctx context.Context, success bool, reason string, elapsed time.Duration)

// MeterRecorder counts verifications on the auth.oidc.verifications instrument.
func MeterRecorder(meter metric.Meter) (VerificationRecorder, error) {
	counter, err := meter.Int64Counter("auth.oidc.verifications",
		metric.WithDescription("OIDC token verifications on internal routes"))
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, success bool, reason string, _ time.Duration) {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		))
	}, nil
}

// OIDCValidator checks RS256 tokens issued by Google against a JWKS cache.
type OIDCValidator struct {
	keys   *JWKSCache
	logger *zap.Logger
	record VerificationRecorder
	now    func() time.Time
}

// OIDCOption customises an OIDCValidator.
type OIDCOption func(*OIDCValidator)

// NewOIDCValidator builds a validator backed by keys.
func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{
		keys:   keys,
		logger: zap.NewNop(),
		record: func(context.Context, bool, string, time.Duration) {},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithOIDCLogger sets the logger used for rejected tokens.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCRecorder observes verification outcomes.
func WithOIDCRecorder(record VerificationRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		if record != nil {
			v.record = record
		}
	}
}

// WithOIDCClock injects the time source.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// RequireOIDC admits requests carrying a token for audience from one of issuers.
// The token is read from the Authorization bearer or the IAP assertion header.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			allowed[iss] = struct{}{}
		}
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			fail := func(status int, code, reason string) {
				v.record(ctx, false, reason, v.now().Sub(start))
				reject(w, r, status, code, "oidc verification failed: "+strings.ReplaceAll(reason, "_", " "))
			}

			if audience == "" || v.keys == nil {
				fail(http.StatusServiceUnavailable, "verification_unavailable", "verifier_not_configured")
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				raw = strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
			}
			if raw == "" {
				fail(http.StatusUnauthorized, "unauthenticated", "token_missing")
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, v.keys.Keyfunc(ctx)); err != nil {
				v.logger.Info("oidc token rejected", zap.Error(err))
				if errors.Is(err, ErrJWKSFetchFailed) {
					fail(http.StatusServiceUnavailable, "verification_unavailable", "jwks_unavailable")
					return
				}
				fail(http.StatusUnauthorized, "invalid_token", "token_invalid")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := allowed[issuer]; len(allowed) > 0 && !ok {
				fail(http.StatusUnauthorized, "invalid_token", "issuer_mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				fail(http.StatusUnauthorized, "invalid_token", "audience_mismatch")
				return
			}

			identity := &ServiceIdentity{Issuer: issuer, Audience: audience, Claims: claims}
			identity.Subject, _ = claims["sub"].(string)
			identity.Email, _ = claims["email"].(string)

			v.record(ctx, true, "ok", v.now().Sub(start))
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}
