// Package identity implements the authentication boundary of the delivery
// service. Every write is bound to a cryptographically verified identity: a
// bearer JWT signed by a key published in the caller's DID document. The
// verifier enforces an asymmetric-algorithm allow-list, audience and method
// binding, expiry, and nonce replay protection. Downstream handlers receive
// the principal only from the verifier — client-supplied sender fields are
// never trusted.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// allowedAlgs is the explicit allow-list of asymmetric signature algorithms.
// Symmetric algorithms would let a caller mint tokens with the service's own
// verification material and are rejected before key resolution.
var allowedAlgs = []string{"EdDSA", "ES256", "ES384"}

// Principal is a verified caller identity. DID is the signing user;
// DeviceMLSDID is set when the token's issuer carries a device fragment.
type Principal struct {
	DID          string
	DeviceMLSDID string
}

// Verifier validates bearer tokens against resolved DID documents.
type Verifier struct {
	serviceDID    string
	methodBinding bool
	maxLifetime   time.Duration
	resolver      Resolver
	replay        ReplayCache
	logger        *slog.Logger
}

// Config holds configuration for the verifier. ServiceDID is mandatory;
// construction fails without it rather than defaulting to a permissive
// audience.
type Config struct {
	ServiceDID    string
	MethodBinding bool
	MaxLifetime   time.Duration
	Resolver      Resolver
	Replay        ReplayCache
	Logger        *slog.Logger
}

// NewVerifier creates a Verifier. Missing configuration is a fatal error.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.ServiceDID == "" {
		return nil, fmt.Errorf("identity: service DID is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("identity: resolver is required")
	}
	if cfg.Replay == nil {
		return nil, fmt.Errorf("identity: replay cache is required")
	}
	if cfg.MaxLifetime <= 0 {
		return nil, fmt.Errorf("identity: token max lifetime must be positive")
	}
	return &Verifier{
		serviceDID:    cfg.ServiceDID,
		methodBinding: cfg.MethodBinding,
		maxLifetime:   cfg.MaxLifetime,
		resolver:      cfg.Resolver,
		replay:        cfg.Replay,
		logger:        cfg.Logger,
	}, nil
}

// serviceClaims are the registered and service-specific claims the verifier
// reads. lxm binds the token to a single RPC method.
type serviceClaims struct {
	jwt.RegisteredClaims
	Method string `json:"lxm,omitempty"`
}

// Verify validates a bearer token for the named method and returns the
// principal. All failures map to Unauthenticated with a stable code.
func (v *Verifier) Verify(ctx context.Context, token, method string) (Principal, error) {
	if token == "" {
		return Principal{}, dserr.Unauthenticated("missing_token", "bearer token is required")
	}

	var claims serviceClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		iss, err := claims.GetIssuer()
		if err != nil || iss == "" {
			return nil, fmt.Errorf("token has no issuer")
		}
		signerDID, _ := splitIssuer(iss)
		doc, err := v.resolver.ResolveDID(ctx, signerDID)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", signerDID, err)
		}
		kid, _ := t.Header["kid"].(string)
		return doc.KeyFor(strings.TrimPrefix(kid, signerDID+"#"))
	},
		jwt.WithValidMethods(allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.serviceDID),
	)
	if err != nil {
		return Principal{}, v.classifyParseError(err)
	}
	if !parsed.Valid {
		return Principal{}, dserr.Unauthenticated("invalid_signature", "token validation failed")
	}

	// Expiry must be bounded: a token valid far into the future would defeat
	// the replay cache TTL.
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Principal{}, dserr.Unauthenticated("expired", "token has no expiry")
	}
	if time.Until(exp.Time) > v.maxLifetime {
		return Principal{}, dserr.Unauthenticated("expired",
			fmt.Sprintf("token lifetime exceeds the %s maximum", v.maxLifetime))
	}

	if v.methodBinding {
		if claims.Method == "" {
			return Principal{}, dserr.Unauthenticated("method_mismatch", "token has no method claim")
		}
		if claims.Method != method {
			return Principal{}, dserr.Unauthenticated("method_mismatch",
				fmt.Sprintf("token bound to %s, not %s", claims.Method, method))
		}
	}

	if claims.ID == "" {
		return Principal{}, dserr.Unauthenticated("replayed", "token has no nonce")
	}
	fresh, err := v.replay.CheckAndSet(ctx, claims.Issuer+":"+claims.ID, v.maxLifetime)
	if err != nil {
		return Principal{}, dserr.Internal(err)
	}
	if !fresh {
		return Principal{}, dserr.Unauthenticated("replayed", "token nonce was already used")
	}

	signerDID, deviceID := splitIssuer(claims.Issuer)
	p := Principal{DID: signerDID}
	if deviceID != "" {
		p.DeviceMLSDID = models.DeviceMLSDID(signerDID, deviceID)
	}
	return p, nil
}

// classifyParseError maps jwt parse failures to stable wire codes.
func (v *Verifier) classifyParseError(err error) *dserr.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return dserr.Unauthenticated("audience_mismatch", "token audience does not match this service")
	case errors.Is(err, jwt.ErrTokenExpired):
		return dserr.Unauthenticated("expired", "token is expired")
	case strings.Contains(err.Error(), "signing method"):
		return dserr.Unauthenticated("bad_algorithm", "token algorithm is not allowed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return dserr.Unauthenticated("invalid_signature", "token signature verification failed")
	default:
		if v.logger != nil {
			v.logger.Debug("token rejected", slog.String("error", err.Error()))
		}
		return dserr.Unauthenticated("invalid_signature", "token could not be verified")
	}
}

// splitIssuer splits an issuer of the form <did> or <did>#<device-id>.
func splitIssuer(iss string) (did, deviceID string) {
	if i := strings.LastIndex(iss, "#"); i > 0 && i < len(iss)-1 {
		return iss[:i], iss[i+1:]
	}
	return iss, ""
}
