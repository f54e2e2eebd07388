package authorization

import (
	"errors"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const (
	identityKey    = "user_id"
	tenantClaimKey = "tenant_id"
	roleClaimKey   = "role"
	defaultTimeout = time.Hour
)

// Identity is the authenticated caller attached to every request. Token issuance
// lives in the external auth service; this module only verifies tokens and
// surfaces the claims the rest of the system keys on.
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Module wires the JWT verification middleware.
type Module struct {
	jwtMiddleware *jwt.GinJWTMiddleware
}

// NewModuleFromEnv builds the verification middleware from JWT_SECRET.
func NewModuleFromEnv() (*Module, error) {
	middleware, err := buildJWTMiddleware()
	if err != nil {
		return nil, err
	}
	return &Module{jwtMiddleware: middleware}, nil
}

// Guard returns the guard helper backed by this module's middleware.
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

func buildJWTMiddleware() (*jwt.GinJWTMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "nimbus",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return identityFromClaims(claims)
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			// Tokens are minted by the central auth service, never here.
			return nil, jwt.ErrFailedAuthentication
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			identity, ok := data.(*Identity)
			return ok && identity != nil && identity.TenantID != ""
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
	})
}

func identityFromClaims(claims jwt.MapClaims) *Identity {
	if len(claims) == 0 {
		return nil
	}

	identity := &Identity{}
	if value, ok := claims[identityKey].(string); ok {
		identity.UserID = strings.TrimSpace(value)
	}
	if value, ok := claims[tenantClaimKey].(string); ok {
		identity.TenantID = strings.TrimSpace(value)
	}
	if value, ok := claims[roleClaimKey].(string); ok {
		identity.Role = strings.ToLower(strings.TrimSpace(value))
	}
	if identity.UserID == "" && identity.TenantID == "" {
		return nil
	}
	return identity
}
