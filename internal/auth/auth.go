package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Moxxcompany/lockbay-core/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Roles carried in tokens. Admin is required for manual state overrides;
// everything else gets the service role.
const (
	RoleService = "service"
	RoleAdmin   = "admin"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
}

type credential struct {
	secret string
	role   string
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret      []byte
	apiCredentials map[string]credential // map[APIKey]credential
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		apiCredentials: make(map[string]credential),
	}
}

// RegisterAPICredentials registers an API key with the service role.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.apiCredentials[apiKey] = credential{secret: apiSecret, role: RoleService}
}

// RegisterAdminCredentials registers an API key allowed to perform manual
// state overrides.
func (s *Service) RegisterAdminCredentials(apiKey, apiSecret string) {
	s.apiCredentials[apiKey] = credential{secret: apiSecret, role: RoleAdmin}
}

// GenerateToken generates a JWT token for valid API credentials.
// The token carries the client ID and role with 24-hour expiration.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	cred, ok := s.apiCredentials[creds.APIKey]
	if !ok || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		ClientID: creds.APIKey,
		Role:     cred.role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims.
// Verifies token signature and expiration.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if err == ErrInvalidCredentials {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetClientID extracts the client ID from validated JWT claims stored in the
// gin context. Returns empty string if not found.
func GetClientID(claims interface{}) string {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if clientID, ok := jwtClaims["client_id"].(string); ok {
			return clientID
		}
	}
	return ""
}

// IsAdmin reports whether validated claims carry the admin role.
func IsAdmin(claims interface{}) bool {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		role, _ := jwtClaims["role"].(string)
		return role == RoleAdmin
	}
	return false
}
