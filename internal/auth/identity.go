package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity issuance is delegated to the external IdP; this package only
// verifies what the IdP minted.
const (
	RoleWrangler  = "wrangler"
	RolePerformer = "performer"
)

var ErrInvalidIdentity = errors.New("invalid identity token")

type Identity struct {
	SubjectID string
	Role      string
}

type idpClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseIdentityToken verifies an HS256 bearer token minted by the external
// identity provider and extracts the subject and role claims.
func ParseIdentityToken(secret, issuer, raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrInvalidIdentity
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	var claims idpClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return Identity{}, ErrInvalidIdentity
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, ErrInvalidIdentity
	}
	role := strings.TrimSpace(claims.Role)
	switch role {
	case RoleWrangler, RolePerformer:
	case "":
		role = RolePerformer
	default:
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{SubjectID: sub, Role: role}, nil
}
