package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/Moxxcompany/lockbay-core/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	webhookLimit = rate.Limit(600.0 / 60.0)  // 600 requests per minute, provider bursts
	adminLimit   = rate.Limit(30.0 / 60.0)   // 30 requests per minute
	statusLimit  = rate.Limit(1000.0 / 60.0) // 1000 requests per minute

	jwtSecret []byte
)

// Configure sets the JWT signing secret used by the auth middlewares. Must
// be called before the router starts serving.
func Configure(secret string) {
	jwtSecret = []byte(secret)
}

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientIP string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientIP + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/webhooks"):
			limit = webhookLimit
		case strings.HasPrefix(path, "/api/v1/admin"):
			limit = adminLimit
		case strings.HasPrefix(path, "/api/v1/status"):
			limit = statusLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 5), // small burst headroom
			lastSeen: time.Now(),
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
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}

// RateLimit keys limiters by client IP and route. It is registered globally,
// ahead of any authentication, so token identity is never available here.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := getLimiter(c.FullPath(), c.ClientIP())
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

func JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateToken(c)
		if err != nil {
			return
		}

		// Set individual claims in the context
		for key, value := range claims {
			c.Set(key, value)
		}

		// Also set the full claims object and explicit client_id
		c.Set("claims", claims)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

// AdminOnly requires a token carrying the admin role. Use after JWTAuth on
// routes that mutate financial state by hand.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if role != "admin" {
			response.Forbidden(c, "Admin role required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// validateToken parses the bearer token and aborts the request with an
// unauthorized response on any failure.
func validateToken(c *gin.Context) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, fmt.Errorf("invalid token claims")
	}

	requiredClaims := []string{"client_id", "exp"}
	for _, claim := range requiredClaims {
		if _, exists := claims[claim]; !exists {
			response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
			c.Abort()
			return nil, fmt.Errorf("missing required claim: %s", claim)
		}
	}

	return claims, nil
}
