// Package authtoken mints and verifies the two token classes of the session
// subsystem: short-lived access tokens (Authorization header) and non-expiring
// refresh tokens (httpOnly cookie). Both are RS256 JWTs carrying the user id
// and the user's token version; neither is ever persisted server-side.
package authtoken

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTTL matches the reference configuration.
const DefaultAccessTTL = 20 * time.Minute

const algorithm = "RS256"

var ErrInvalidToken = errors.New("invalid token")

// Claims is what a token asserts once its signature and expiry check out.
// Version currency against the credential store is the caller's job.
type Claims struct {
	Subject uint // user id
	Version int  // token version at issuance
}

type tokenClaims struct {
	V int `json:"v"`
	jwt.RegisteredClaims
}

// Issuer mints both token classes for a user.
type Issuer struct {
	keys *Keypairs
	ttl  time.Duration
	now  func() time.Time
}

// NewIssuer returns an Issuer with the given access-token TTL.
// A non-positive ttl falls back to DefaultAccessTTL.
func NewIssuer(keys *Keypairs, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	return &Issuer{keys: keys, ttl: ttl, now: time.Now}
}

// IssueAccess signs an access token with the access private key.
func (i *Issuer) IssueAccess(userID uint, version int) (string, error) {
	priv, _ := i.keys.accessKeys()
	claims := tokenClaims{
		V: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(i.now().Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
}

// IssueRefresh signs a refresh token with the refresh private key. It carries
// no expiry claim: the cookie's lifetime is the only bound on it.
func (i *Issuer) IssueRefresh(userID uint, version int) (string, error) {
	priv, _ := i.keys.refreshKeys()
	claims := tokenClaims{
		V: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatUint(uint64(userID), 10),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
}

// Validator verifies token signatures and expiry. The two Parse variants
// differ only in which public key they check against.
type Validator struct {
	keys *Keypairs
}

func NewValidator(keys *Keypairs) *Validator {
	return &Validator{keys: keys}
}

// ParseAccess verifies an access token against the access public key.
func (v *Validator) ParseAccess(token string) (Claims, error) {
	_, pub := v.keys.accessKeys()
	return parse(token, pub)
}

// ParseRefresh verifies a refresh token against the refresh public key.
func (v *Validator) ParseRefresh(token string) (Claims, error) {
	_, pub := v.keys.refreshKeys()
	return parse(token, pub)
}

func parse(token string, pub any) (Claims, error) {
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{algorithm}))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	id, err := strconv.ParseUint(tc.Subject, 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: uint(id), Version: tc.V}, nil
}
