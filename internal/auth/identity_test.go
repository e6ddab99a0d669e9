package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintIDPToken(t *testing.T, secret, subject, role, issuer string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": exp.Unix()}
	if role != "" {
		claims["role"] = role
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return raw
}

func TestParseIdentityTokenRoles(t *testing.T) {
	exp := time.Now().Add(time.Hour)

	id, err := ParseIdentityToken("idp-secret", "", mintIDPToken(t, "idp-secret", "alex", "wrangler", "", exp))
	if err != nil {
		t.Fatalf("wrangler token: %v", err)
	}
	if id.SubjectID != "alex" || id.Role != RoleWrangler {
		t.Fatalf("unexpected identity: %+v", id)
	}

	// role claim omitted defaults to performer
	id, err = ParseIdentityToken("idp-secret", "", mintIDPToken(t, "idp-secret", "sam", "", "", exp))
	if err != nil {
		t.Fatalf("roleless token: %v", err)
	}
	if id.Role != RolePerformer {
		t.Fatalf("expected performer default, got %q", id.Role)
	}

	if _, err := ParseIdentityToken("idp-secret", "", mintIDPToken(t, "idp-secret", "sam", "superuser", "", exp)); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected unknown role rejection, got %v", err)
	}
}

func TestParseIdentityTokenRejectsBadTokens(t *testing.T) {
	exp := time.Now().Add(time.Hour)

	if _, err := ParseIdentityToken("idp-secret", "", ""); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected empty token rejection, got %v", err)
	}
	if _, err := ParseIdentityToken("idp-secret", "", mintIDPToken(t, "other-secret", "alex", "wrangler", "", exp)); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected wrong secret rejection, got %v", err)
	}
	if _, err := ParseIdentityToken("idp-secret", "", mintIDPToken(t, "idp-secret", "alex", "wrangler", "", time.Now().Add(-time.Hour))); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}
	// subject is required
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("idp-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseIdentityToken("idp-secret", "", raw); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected subjectless rejection, got %v", err)
	}
}

func TestParseIdentityTokenIssuerCheck(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	tok := mintIDPToken(t, "idp-secret", "alex", "wrangler", "https://idp.example.com", exp)

	if _, err := ParseIdentityToken("idp-secret", "https://idp.example.com", tok); err != nil {
		t.Fatalf("matching issuer: %v", err)
	}
	if _, err := ParseIdentityToken("idp-secret", "https://other.example.com", tok); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected issuer mismatch rejection, got %v", err)
	}
}
