package middleware

import (
	"strings"

	"squadx/internal/core/domain"
	"squadx/internal/core/services"
	"squadx/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// abort ends the chain with the same body ErrorHandlerMiddleware renders.
func abort(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": string(appErr.Code), "message": appErr.Message})
}

// TokenValidator is the part of AuthService the middleware needs.
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for clients that cannot set headers.
func bearerToken(c *gin.Context) (string, *errors.AppError) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.NewUnauthorizedError("authorization header required")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.NewUnauthorizedError("invalid authorization header format")
	}
	return token, nil
}

func AuthMiddleware(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, appErr := bearerToken(c)
		if appErr != nil {
			abort(c, appErr)
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			abort(c, errors.NewUnauthorizedError("invalid or expired token"))
			return
		}

		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(services.WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// ClaimsFrom returns the claims set by AuthMiddleware.
func ClaimsFrom(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}

// SessionScopeMiddleware admits only participant tokens bound to the session
// named by the :id path parameter.
func SessionScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abort(c, errors.NewUnauthorizedError("authentication required"))
			return
		}
		if claims.Scope != services.ScopeParticipant {
			abort(c, errors.NewForbiddenError("participant token required"))
			return
		}
		if claims.SessionID != domain.SessionID(c.Param("id")) {
			abort(c, errors.NewForbiddenError("token is not valid for this session"))
			return
		}
		c.Next()
	}
}

// HostOnlyMiddleware must run after SessionScopeMiddleware.
func HostOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || claims.Role != domain.RoleHost {
			abort(c, errors.NewForbiddenError("host role required"))
			return
		}
		c.Next()
	}
}

// ScopeMiddleware admits only tokens of the given scope.
func ScopeMiddleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || claims.Scope != scope {
			abort(c, errors.NewForbiddenError(scope+" token required"))
			return
		}
		c.Next()
	}
}
