package access

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"workdesk.org/internal/ids"
)

// TokenIssuer signs short-lived HS256 bearer tokens for non-browser
// integrations. Tokens carry identity only; permissions are still resolved
// from the database on every request.
type TokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenClaims is the verified claim set of a service API token.
type TokenClaims struct {
	TenantID int64 `json:"tenant_id"`
	jwt.RegisteredClaims
}

// NewTokenIssuer returns nil when no secret is configured, which disables the
// bearer-token path entirely.
func NewTokenIssuer(secret, issuer string) *TokenIssuer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Generate signs a token for the given user.
func (ti *TokenIssuer) Generate(userID, tenantID int64, ttl time.Duration) (string, error) {
	if ti == nil {
		return "", errors.New("access: token issuing disabled")
	}
	if ttl <= 0 {
		return "", errors.New("access: ttl must be greater than zero")
	}
	now := ti.now().UTC()
	claims := TokenClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, method, issuer and expiry, and returns the
// claims. All failures collapse into ErrInvalidToken.
func (ti *TokenIssuer) Parse(token string) (*TokenClaims, error) {
	if ti == nil {
		return nil, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return ti.secret, nil
	}, jwt.WithTimeFunc(ti.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != ti.issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// UserID parses the numeric subject.
func (tc *TokenClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(tc.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}
