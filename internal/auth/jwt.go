// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Verification error classes for strict 401 mapping.
var (
	ErrTokenMissing    = errors.New("token missing")
	ErrTokenMalformed  = errors.New("token malformed")
	ErrInvalidAlg      = errors.New("invalid algorithm: must be HS256")
	ErrInvalidSig      = errors.New("invalid signature")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenNotActive  = errors.New("token not yet active (nbf)")
	ErrMissingIAT      = errors.New("missing iat claim")
	ErrMissingExp      = errors.New("missing exp claim")
	ErrMissingNbf      = errors.New("missing nbf claim")
	ErrMismatchIss     = errors.New("issuer mismatch")
	ErrMismatchAud     = errors.New("audience mismatch")
	ErrUnknownRole     = errors.New("unknown role claim")
	ErrTokenTTLTooLong = errors.New("token ttl exceeds maximum allowed duration")
)

// maxTokenTTL bounds the exp-iat window regardless of what the signer asked
// for. Long-lived bearer tokens defeat revocation by expiry.
const maxTokenTTL = 24 * time.Hour

// clockSkew tolerates drift between signer and verifier.
const clockSkew = int64(30)

// TokenClaims is the claim set carried by gateway tokens.
type TokenClaims struct {
	Iss  string `json:"iss"`
	Aud  string `json:"aud"`
	Sub  string `json:"sub"`
	Jti  string `json:"jti,omitempty"`
	Iat  int64  `json:"iat"`
	Nbf  int64  `json:"nbf"`
	Exp  int64  `json:"exp,omitempty"`
	Role Role   `json:"role"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid,omitempty"`
}

// GenerateHS256 signs claims as a strict HS256 JWT.
func GenerateHS256(secret []byte, claims TokenClaims, kid string) (string, error) {
	header := jwtHeader{Alg: "HS256", Typ: "JWT", Kid: kid}

	hJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	cJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	payload := base64.RawURLEncoding.EncodeToString(hJSON) + "." + base64.RawURLEncoding.EncodeToString(cJSON)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payload + "." + sig, nil
}

// VerifyStrict verifies an HS256 JWT at the current time.
func VerifyStrict(token string, secret []byte, expectedAud, expectedIss string) (*TokenClaims, error) {
	return VerifyStrictAt(token, secret, expectedAud, expectedIss, time.Now().Unix())
}

// VerifyStrictAt verifies at a caller-supplied timestamp for deterministic
// tests. The signature is checked before any claim is parsed.
func VerifyStrictAt(token string, secret []byte, expectedAud, expectedIss string, now int64) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	payload := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	expectedSig := mac.Sum(nil)

	actualSig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidSig
	}
	if !hmac.Equal(expectedSig, actualSig) {
		return nil, ErrInvalidSig
	}

	hJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var header jwtHeader
	if err := json.Unmarshal(hJSON, &header); err != nil {
		return nil, ErrTokenMalformed
	}
	// "alg=none" and downgrade variants are rejected here.
	if header.Alg != "HS256" {
		return nil, ErrInvalidAlg
	}

	cJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims TokenClaims
	if err := json.Unmarshal(cJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}

	if claims.Iat == 0 {
		return nil, ErrMissingIAT
	}
	if claims.Exp == 0 {
		return nil, ErrMissingExp
	}
	if claims.Nbf == 0 {
		return nil, ErrMissingNbf
	}

	if now < claims.Nbf-clockSkew {
		return nil, ErrTokenNotActive
	}
	if now > claims.Exp+clockSkew {
		return nil, ErrTokenExpired
	}

	ttl := claims.Exp - claims.Iat
	if ttl <= 0 {
		return nil, ErrTokenExpired
	}
	if ttl > int64(maxTokenTTL/time.Second) {
		return nil, ErrTokenTTLTooLong
	}

	if claims.Iss != expectedIss {
		return nil, ErrMismatchIss
	}
	if claims.Aud != expectedAud {
		return nil, ErrMismatchAud
	}
	if !claims.Role.Valid() {
		return nil, ErrUnknownRole
	}

	return &claims, nil
}
