package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	errorUnauthorized   = "unauthorized"
)

// ServiceTokenMiddleware validates HS256 service tokens on the internal API.
// Callers are internal feature handlers, not end users; identity-provider
// session mechanics stay outside this process. An empty signing key disables
// the check for local development.
func ServiceTokenMiddleware(signingKey []byte, issuer string, logger *zap.Logger) gin.HandlerFunc {
	if len(signingKey) == 0 {
		logger.Warn("internal api auth disabled, no signing key configured")
		return func(ginContext *gin.Context) {
			ginContext.Next()
		}
	}
	return func(ginContext *gin.Context) {
		header := ginContext.GetHeader(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			ginContext.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
			return
		}
		rawToken := strings.TrimPrefix(header, bearerPrefix)
		token, err := jwt.Parse(rawToken, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			logger.Warn("service token rejected", zap.Error(err))
			ginContext.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
			return
		}
		ginContext.Next()
	}
}
