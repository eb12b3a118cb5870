// Package auth models bearer-token authorization for the API and the
// reverse proxy's visibility gate. Tokens carry a single role claim
// ({role: "admin"|"user"}), signed HS256 with a shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/hearthhq/hearth/pkg/hearterr"
)

// Role is the claim carried by an API token.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Claims is the JWT payload this system issues and validates.
type Claims struct {
	Role      Role   `json:"role"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// TokenValidator authorizes a bearer token against a required role. It is
// the seam between the proxy/API and whatever issues tokens; callers never
// see JWT internals directly.
type TokenValidator interface {
	RequireAdmin(token string) error
	RequireUser(token string) error
}

// HMACValidator is a stdlib crypto/hmac HS256 reference implementation.
// No JWT library appears anywhere in the corpus for this concern, so this
// hand-rolled encode/verify pair is the grounded choice (see design notes).
type HMACValidator struct {
	secret []byte
}

// NewHMACValidator builds a validator from a base64-encoded shared secret.
func NewHMACValidator(encodedSecret string) (*HMACValidator, error) {
	secret, err := base64.StdEncoding.DecodeString(encodedSecret)
	if err != nil {
		return nil, hearterr.Wrap(hearterr.Fatal, err, "decode auth secret")
	}
	return &HMACValidator{secret: secret}, nil
}

// Issue produces a compact HS256 token for claims ("header.payload.sig",
// header fixed to {"alg":"HS256","typ":"JWT"}).
func (v *HMACValidator) Issue(claims Claims) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", hearterr.Wrap(hearterr.Fatal, err, "marshal claims")
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := header + "." + payload
	sig := v.sign(signingInput)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (v *HMACValidator) sign(signingInput string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func (v *HMACValidator) decode(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, hearterr.New(hearterr.Unauthorized, "malformed token")
	}
	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, hearterr.New(hearterr.Unauthorized, "malformed token signature")
	}
	if !hmac.Equal(sig, v.sign(signingInput)) {
		return Claims{}, hearterr.New(hearterr.Unauthorized, "invalid token signature")
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, hearterr.New(hearterr.Unauthorized, "malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Claims{}, hearterr.New(hearterr.Unauthorized, "malformed token claims")
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return Claims{}, hearterr.New(hearterr.Unauthorized, "token expired")
	}
	return claims, nil
}

// RequireAdmin validates token and requires the admin role.
func (v *HMACValidator) RequireAdmin(token string) error {
	claims, err := v.decode(token)
	if err != nil {
		return err
	}
	if claims.Role != RoleAdmin {
		return hearterr.New(hearterr.Unauthorized, "admin role required")
	}
	return nil
}

// RequireUser validates token for any known role (admin satisfies a user
// requirement too).
func (v *HMACValidator) RequireUser(token string) error {
	claims, err := v.decode(token)
	if err != nil {
		return err
	}
	if claims.Role != RoleUser && claims.Role != RoleAdmin {
		return hearterr.New(hearterr.Unauthorized, "valid role required")
	}
	return nil
}
