package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ngoclp2000/VIChat/internal/model"
)

type (
	// Identity is the verified bundle the gateway trusts. Issuance belongs to
	// the identity service; this core only verifies.
	Identity struct {
		TenantID string
		UserID   string
		ClientID string
		Roles    []string
		Scopes   []string
	}

	Claims struct {
		TenantID string   `json:"tenant_id"`
		ClientID string   `json:"client_id"`
		Roles    []string `json:"roles"`
		Scopes   []string `json:"scopes"`
		jwt.RegisteredClaims
	}

	Verifier struct {
		secret   []byte
		issuer   string
		audience string
	}
)

func NewVerifier(secret []byte, issuer, audience string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, audience: audience}
}

// Verify checks signature, issuer, audience and expiry, and requires a
// subject claim. Every failure maps onto model.ErrInvalidToken so callers can
// distinguish it from a missing token.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, model.ErrTokenMissing
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, model.ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", model.ErrInvalidToken)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant", model.ErrInvalidToken)
	}

	return &Identity{
		TenantID: claims.TenantID,
		UserID:   claims.Subject,
		ClientID: claims.ClientID,
		Roles:    claims.Roles,
		Scopes:   claims.Scopes,
	}, nil
}

// Sign mints a token with the verifier's parameters. Dev and test helper;
// production tokens come from the identity service.
func Sign(secret []byte, issuer, audience, tenantID, userID, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		ClientID: clientID,
		Roles:    []string{"user"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// SubjectOf extracts the subject and tenant from a token without verifying
// the signature. The client facade uses it to derive its own identity from a
// token it already trusts.
func SubjectOf(tokenString string) (tenantID, userID string, err error) {
	parser := jwt.NewParser()
	var claims Claims
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return "", "", fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", model.ErrInvalidToken)
	}
	return claims.TenantID, claims.Subject, nil
}
