// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g1dev/g1d/internal/config"
)

// Method records how a principal authenticated.
type Method string

const (
	MethodJWT       Method = "jwt"
	MethodAPIKey    Method = "api_key"
	MethodAnonymous Method = "anonymous"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	Subject string
	Role    Role
	Method  Method
}

type principalKey struct{}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached to ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator resolves request credentials to a principal using the live
// security configuration.
type Authenticator struct {
	cfg func() config.SecurityConfig
}

// NewAuthenticator builds an authenticator reading its settings through cfg
// so config hot reload takes effect without restart.
func NewAuthenticator(cfg func() config.SecurityConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// ExtractToken pulls a bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ExtractAPIKey pulls a static key from the X-API-Key header.
func ExtractAPIKey(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

// Authenticate resolves r to a principal. Precedence: bearer token, then
// API key, then anonymous guest when the configuration allows it.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	sec := a.cfg()

	if token := ExtractToken(r); token != "" {
		claims, err := VerifyStrict(token, []byte(sec.JWTSecret), sec.JWTAudience, sec.JWTIssuer)
		if err != nil {
			return Principal{}, err
		}
		return Principal{Subject: claims.Sub, Role: claims.Role, Method: MethodJWT}, nil
	}

	if key := ExtractAPIKey(r); key != "" {
		for _, k := range sec.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(k.Key)) == 1 {
				return Principal{Subject: "key:" + k.Role, Role: Role(k.Role), Method: MethodAPIKey}, nil
			}
		}
		return Principal{}, ErrInvalidSig
	}

	if sec.AllowAnonymous {
		return Principal{Subject: "anonymous", Role: RoleGuest, Method: MethodAnonymous}, nil
	}
	return Principal{}, ErrTokenMissing
}

// IssueToken mints a signed token for subject with the given role using the
// configured TTL.
func (a *Authenticator) IssueToken(subject string, role Role) (string, error) {
	sec := a.cfg()
	now := time.Now().Unix()
	claims := TokenClaims{
		Iss:  sec.JWTIssuer,
		Aud:  sec.JWTAudience,
		Sub:  subject,
		Jti:  uuid.NewString(),
		Iat:  now,
		Nbf:  now,
		Exp:  now + int64(sec.TokenTTL/time.Second),
		Role: role,
	}
	return GenerateHS256([]byte(sec.JWTSecret), claims, "")
}
