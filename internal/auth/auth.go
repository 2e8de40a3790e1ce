// Package auth asserts caller identity from a signed bearer credential.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/efreitasn/certauction/internal/domain"
)

// Role is the coarse permission level attached to an identity.
type Role string

const (
	RoleBidder Role = "bidder"
	RoleAdmin  Role = "admin"
)

// Identity is the authenticated (userId, role) pair.
type Identity struct {
	UserID string `json:"sub"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the identity may drive round transitions.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Verifier turns a credential into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type claims struct {
	Identity
	Expires int64 `json:"exp,omitempty"`
}

// Signer issues and verifies HMAC-SHA256 tokens of the form
// base64url(claims) "." base64url(mac).
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer keyed by secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for id. A zero ttl never expires.
func (s *Signer) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("auth: empty user id")
	}
	c := claims{Identity: id}
	if ttl > 0 {
		c.Expires = s.now().Add(ttl).Unix()
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("auth: encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.mac(payload)), nil
}

// Verify checks the signature and expiry. Every failure wraps
// domain.ErrUnauthorized.
func (s *Signer) Verify(token string) (Identity, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return Identity{}, fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(payload)) {
		return Identity{}, fmt.Errorf("%w: bad signature", domain.ErrUnauthorized)
	}
	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
	}
	var c claims
	if err := json.Unmarshal(body, &c); err != nil {
		return Identity{}, fmt.Errorf("%w: malformed claims", domain.ErrUnauthorized)
	}
	if c.Expires != 0 && s.now().Unix() >= c.Expires {
		return Identity{}, fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
	}
	if c.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", domain.ErrUnauthorized)
	}
	if c.Role != RoleAdmin && c.Role != RoleBidder {
		return Identity{}, fmt.Errorf("%w: unknown role %q", domain.ErrUnauthorized, c.Role)
	}
	return c.Identity, nil
}

func (s *Signer) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser websocket
// clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
