package diagnostics

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Deny is the zero value so an unset decision fails closed.
	Deny Decision = iota
	Allow
	Unauthenticated
)

// Authorizer decides whether a request may read diagnostics. Any returned
// error is treated as a denial.
type Authorizer interface {
	Authorize(r *http.Request) (Decision, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) (Decision, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(r *http.Request) (Decision, error) { return f(r) }

// DefaultRole is the claim value required by JWTAuthorizer.
const DefaultRole = "admin"

// JWTAuthorizer accepts HS256 bearer tokens whose role claim matches Role.
type JWTAuthorizer struct {
	Secret []byte
	Role   string
	Now    func() time.Time
}

// NewJWTAuthorizer builds an authorizer requiring the admin role.
func NewJWTAuthorizer(secret string) *JWTAuthorizer {
	return &JWTAuthorizer{Secret: []byte(secret), Role: DefaultRole, Now: time.Now}
}

// Authorize implements Authorizer.
func (a *JWTAuthorizer) Authorize(r *http.Request) (Decision, error) {
	if a == nil || len(a.Secret) == 0 {
		return Deny, errors.New("jwt secret not configured")
	}
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, prefix) {
		return Unauthenticated, nil
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	tok, err := jwt.Parse(strings.TrimPrefix(authz, prefix), func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return a.Secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(now))
	if err != nil || !tok.Valid {
		return Unauthenticated, nil
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Unauthenticated, nil
	}

	want := a.Role
	if want == "" {
		want = DefaultRole
	}
	if role, _ := claims["role"].(string); role != want {
		return Deny, nil
	}
	return Allow, nil
}

// IssueToken signs an HS256 token carrying sub, role and exp claims.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
