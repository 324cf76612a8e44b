package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/0019-KDU/online-lab-env/pkg/logging"
)

const (
	headerRequestID = "X-Request-ID"

	ctxRequestID = "requestID"
	ctxUserID    = "userID"
	ctxRole      = "role"

	// RoleAdmin may list every active session
	RoleAdmin = "admin"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = fmt.Sprintf("%.8s", uuid.New().String())
		}
		c.Header(headerRequestID, id)
		c.Set(ctxRequestID, id)
		c.Next()
	}
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logging.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString(ctxRequestID),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed", fields)
			return
		}
		logger.Debug("request served", fields)
	}
}

// authenticate verifies an HS256 bearer token and stores the caller's id and
// role. The id is taken from the "id" claim, falling back to "sub".
func authenticate(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			abort(c, http.StatusUnauthorized, "not authorized, no token", nil)
			return
		}

		userID, role, err := parseToken(token, secret)
		if err != nil {
			abort(c, http.StatusUnauthorized, "not authorized, token failed", err)
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ctxRole)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, fmt.Sprintf("role %q is not authorized to access this route", role), nil)
	}
}

func parseToken(tokenStr string, secret []byte) (string, string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", errors.New("invalid token")
	}

	userID, _ := claims["id"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return "", "", errors.New("token carries no user id")
	}
	role, _ := claims["role"].(string)
	return userID, role, nil
}

func bearer(h string) string {
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
