package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/lem-clearing/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Test credentials
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
)

// Permissions carried in tokens
const (
	PermissionTrade = "trade"
	PermissionAdmin = "admin"
)

const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the claims grant permission.
func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

type credential struct {
	secret      string
	permissions []string
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte

	mu             sync.RWMutex
	apiCredentials map[string]credential // keyed by API key
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		apiCredentials: make(map[string]credential),
	}
}

// GenerateToken generates a JWT token for valid API credentials.
// The API key becomes the client id, which is the trader identity.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	cred, exists := s.apiCredentials[creds.APIKey]
	s.mu.RUnlock()
	if !exists || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Permissions: cred.permissions,
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

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
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
		if claims.ClientID == "" {
			return nil, errors.New("missing client id")
		}
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// RegisterAPICredentials registers API credentials with the given permissions.
// Without permissions the key may only trade.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, permissions ...string) {
	if len(permissions) == 0 {
		permissions = []string{PermissionTrade}
	}
	s.mu.Lock()
	s.apiCredentials[apiKey] = credential{secret: apiSecret, permissions: permissions}
	s.mu.Unlock()
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
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
