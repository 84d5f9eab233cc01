package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityKey = "auth_identity"

// Identity is the caller attached to a request by the credential gate.
type Identity struct {
	UserID string
	Email  string
}

// TokenVerifier is the subset of Service the middleware needs.
type TokenVerifier interface {
	VerifyToken(token string) (*Claims, error)
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, "Access token required")
			return
		}

		claims, err := verifier.VerifyToken(token)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		SetIdentity(c, Identity{UserID: claims.Subject, Email: claims.Email})
		c.Next()
	}
}

// OptionalAuth attaches an identity when a valid token is present. A missing token means
// guest; an invalid or expired one is logged and also treated as guest.
func OptionalAuth(verifier TokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Next()
			return
		}

		claims, err := verifier.VerifyToken(token)
		if err != nil {
			logger.Warn("optional auth: token rejected, continuing as guest", zap.Error(err))
			c.Next()
			return
		}

		SetIdentity(c, Identity{UserID: claims.Subject, Email: claims.Email})
		c.Next()
	}
}

// QueryToken lets clients that cannot set headers, such as browser websockets, pass the
// bearer token as ?token=. A header token wins when both are present.
func QueryToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if BearerToken(c.GetHeader("Authorization")) == "" {
			if token := strings.TrimSpace(c.Query("token")); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}

func SetIdentity(c *gin.Context, identity Identity) {
	c.Set(identityKey, identity)
}

// IdentityFrom returns the identity attached by the gate, or nil for guests.
func IdentityFrom(c *gin.Context) *Identity {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, ok := value.(Identity)
	if !ok {
		return nil
	}
	return &identity
}

func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"message": message,
	})
}
