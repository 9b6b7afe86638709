package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/lem-clearing/internal/auth"
	"github.com/ksred/lem-clearing/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit  = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	clearingLimit = rate.Limit(30.0 / 60.0)   // 30 requests per minute
	readLimit     = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/orders"):
		return tradingLimit
	case strings.HasPrefix(path, "/api/v1/clearing"), strings.HasPrefix(path, "/api/v1/settlement"):
		return clearingLimit
	case strings.HasPrefix(path, "/api/v1/market"), strings.HasPrefix(path, "/api/v1/events"):
		return readLimit
	default:
		return rate.Inf // No limit for other paths
	}
}

func getLimiter(path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + path
	v, exists := visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(limitFor(path), 1), // burst of 1
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth authenticates the bearer token and sets clientID and claims in
// the context.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, authService)
		if !ok {
			return
		}
		if !claims.HasPermission(auth.PermissionTrade) && !claims.HasPermission(auth.PermissionAdmin) {
			response.Forbidden(c, "Token does not grant market access")
			c.Abort()
			return
		}
		c.Next()
	}
}

// OwnerAuth admits only tokens carrying the admin permission, which is
// granted to the market owner's credentials.
func OwnerAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, authService)
		if !ok {
			return
		}
		if !claims.HasPermission(auth.PermissionAdmin) {
			response.Forbidden(c, "Owner permission required")
			c.Abort()
			return
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, authService *auth.Service) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := authService.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}

	c.Set("claims", claims)
	c.Set("clientID", claims.ClientID)
	return claims, true
}
