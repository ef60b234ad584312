package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims = "auth_claims"
	bearerPrefix     = "Bearer "
	roleAdmin        = "admin"
	roleService      = "service"
)

// ErrInvalidAuthConfig is returned when the authenticator has no signing key.
var ErrInvalidAuthConfig = errors.New("invalid auth config")

// Claims is the bearer token payload: sub names the user, app_role grants admin or checkout-service access.
type Claims struct {
	Email   string `json:"email,omitempty"`
	AppRole string `json:"app_role,omitempty"`
	jwt.RegisteredClaims
}

// UserID validates the subject as a credits.UserID.
func (claims *Claims) UserID() (credits.UserID, error) {
	return credits.NewUserID(claims.Subject)
}

// IsAdmin reports whether the token grants admin access.
func (claims *Claims) IsAdmin() bool {
	return claims.AppRole == roleAdmin
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	signingKey []byte
	issuer     string
}

// NewAuthenticator wires an Authenticator. An empty issuer accepts any issuer.
func NewAuthenticator(signingKey string, issuer string) (*Authenticator, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidAuthConfig)
	}
	return &Authenticator{signingKey: []byte(signingKey), issuer: strings.TrimSpace(issuer)}, nil
}

// Parse validates raw and returns its claims.
func (authenticator *Authenticator) Parse(raw string) (*Claims, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if authenticator.issuer != "" {
		options = append(options, jwt.WithIssuer(authenticator.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return authenticator.signingKey, nil
	}, options...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Issue signs a token for userID. It backs tests and local tooling.
func (authenticator *Authenticator) Issue(userID string, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		AppRole: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    authenticator.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authenticator.signingKey)
}

// Middleware rejects requests without a valid bearer token.
func (authenticator *Authenticator) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, failure("unauthorized", "missing bearer token"))
			return
		}
		claims, err := authenticator.Parse(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, failure("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

// RequireAdmin rejects tokens without the admin role.
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(roleAdmin)
}

// RequireRole rejects tokens whose app_role is not one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.hasRole(roles) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, failure("forbidden", strings.Join(roles, " or ")+" role required"))
			return
		}
		ctx.Next()
	}
}

func (claims *Claims) hasRole(roles []string) bool {
	for _, role := range roles {
		if claims.AppRole == role {
			return true
		}
	}
	return false
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}
