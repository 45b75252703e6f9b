package httpgin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kirinyoku/tix-alloc/internal/domain"
)

const (
	ctxHolderID = "holder_id"
	ctxRole     = "role"
)

// Claims carry the holder id in sub and the caller's role.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 bearer token for holderID. Tokens come from
// the identity provider in production; this is for tooling and tests.
func SignToken(secret string, holderID int64, role domain.Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(holderID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	return t.SignedString([]byte(secret))
}

// AuthMiddleware verifies the bearer token and stores the holder id and role
// in the gin context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		var claims Claims
		_, err := jwt.ParseWithClaims(raw, &claims,
			func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		holderID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil || holderID <= 0 {
			abort(c, http.StatusUnauthorized, "invalid subject")
			return
		}

		role := claims.Role
		if role == "" {
			role = domain.RoleAttendee
		}

		c.Set(ctxHolderID, holderID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

// RequireRole lets the request through only if allowed(role) holds.
func RequireRole(allowed func(domain.Role) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !allowed(roleOf(c)) {
			abort(c, http.StatusForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

var errNoIdentity = errors.New("no identity in context")

func holderOf(c *gin.Context) (int64, error) {
	v, ok := c.Get(ctxHolderID)
	if !ok {
		return 0, errNoIdentity
	}
	id, ok := v.(int64)
	if !ok {
		return 0, errNoIdentity
	}
	return id, nil
}

func roleOf(c *gin.Context) domain.Role {
	v, _ := c.Get(ctxRole)
	role, _ := v.(domain.Role)
	return role
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
