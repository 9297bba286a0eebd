package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/config"
	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/model"
)

// Headers naming the caller when no signing secret is configured. Roles are
// comma separated.
const (
	ActorHeader = "X-Actor"
	RolesHeader = "X-Actor-Roles"
)

// AnonymousActor is used when neither a token nor an X-Actor header is
// present and authentication is disabled.
const AnonymousActor = "anonymous"

// NewAuthenticator returns JWTAuthenticator when secret is set and
// HeaderAuthenticator otherwise.
func NewAuthenticator(cfg config.AuthConfig, secret string) func(http.Handler) http.Handler {
	if secret == "" {
		return HeaderAuthenticator
	}
	return JWTAuthenticator(cfg, []byte(secret))
}

// JWTAuthenticator returns middleware that verifies HS256 bearer tokens and
// stores the resulting Actor in the request context. The token subject
// becomes the actor recorded as a plan's triggeredBy.
func JWTAuthenticator(cfg config.AuthConfig, secret []byte) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(auth[7:], claims, keyFunc)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			if !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			actor := &model.Actor{
				SubjectID:     claimString(claims, "sub"),
				Roles:         claimStringSlice(claims, "roles"),
				Claims:        claims,
				CorrelationID: CorrelationIDFrom(r.Context()),
			}
			if err := actor.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("Token has no subject"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithActor(r.Context(), actor)))
		})
	}
}

// HeaderAuthenticator trusts the X-Actor header. It is used when no signing
// secret is configured, typically behind an authenticating proxy.
func HeaderAuthenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.Header.Get(ActorHeader))
		if subject == "" {
			subject = AnonymousActor
		}
		actor := &model.Actor{
			SubjectID:     subject,
			Roles:         splitRoles(r.Header.Get(RolesHeader)),
			CorrelationID: CorrelationIDFrom(r.Context()),
		}
		next.ServeHTTP(w, r.WithContext(model.WithActor(r.Context(), actor)))
	})
}

func splitRoles(v string) []string {
	var roles []string
	for _, part := range strings.Split(v, ",") {
		if role := strings.TrimSpace(part); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}

// Authorizer decides whether an actor holds a capability.
type Authorizer interface {
	Allowed(actor *model.Actor, capability string) (bool, error)
}

// Authorize returns middleware that rejects requests whose actor lacks
// capability. A nil authz allows every request.
func Authorize(authz Authorizer, capability string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		if authz == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := model.ActorFrom(r.Context())
			ok, err := authz.Allowed(actor, capability)
			if err != nil {
				observability.RequestLogger(r.Context(), logger).Error("capability resolution failed",
					zap.String("capability", capability),
					zap.Error(err),
				)
				WriteError(w, model.NewInternalError())
				return
			}
			if !ok {
				WriteError(w, model.NewForbiddenError("missing capability "+capability))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "audience"):
		return "Invalid token audience"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	case strings.Contains(s, "exp claim is required"):
		return "Token has no expiry"
	default:
		return "Invalid token"
	}
}

func claimString(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	v, _ := claims[key].(string)
	return v
}

func claimStringSlice(claims map[string]any, key string) []string {
	if claims == nil {
		return nil
	}
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
