package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"tradedesk/internal/config"
)

const (
	ctxUserID    = "user_id"
	ctxUserEmail = "user_email"
	ctxRoles     = "roles"
)

// Claims 是 API token 中携带的身份信息
type Claims struct {
	UserID uint     `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthUser is the identity resolved for a request.
type AuthUser struct {
	ID    uint
	Email string
	Roles []string
}

// Actor returns the string used for rate limit keys and audit rows.
func (u AuthUser) Actor() string {
	return strconv.FormatUint(uint64(u.ID), 10)
}

// IssueToken signs an HS256 token for userID. ttl <= 0 issues a token without expiry.
func IssueToken(secret string, userID uint, email string, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatUint(uint64(userID), 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates signature, algorithm and time claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == 0 && claims.Subject != "" {
		if n, err := strconv.ParseUint(claims.Subject, 10, 64); err == nil {
			claims.UserID = uint(n)
		}
	}
	if claims.UserID == 0 {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes.
// On success it injects "user_id", "user_email" and "roles" into gin.Context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			abortUnauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := ParseToken(token, secret)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(ctxUserID, claims.UserID)
		if claims.Email != "" {
			c.Set(ctxUserEmail, claims.Email)
		}
		if roles := dedupeStrings(claims.Roles); len(roles) > 0 {
			c.Set(ctxRoles, roles)
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
	})
}

// UserFromContext returns the identity set by AuthMiddleware.
func UserFromContext(c *gin.Context) (AuthUser, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return AuthUser{}, false
	}
	id, ok := v.(uint)
	if !ok || id == 0 {
		return AuthUser{}, false
	}
	u := AuthUser{ID: id, Email: c.GetString(ctxUserEmail)}
	if roles, ok := c.Get(ctxRoles); ok {
		u.Roles, _ = roles.([]string)
	}
	return u, true
}

// RequireAuth resolves the current user or writes a 401 and returns false.
func RequireAuth(c *gin.Context) (AuthUser, bool) {
	u, ok := UserFromContext(c)
	if !ok {
		abortUnauthorized(c, "authentication required")
		return AuthUser{}, false
	}
	return u, true
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
