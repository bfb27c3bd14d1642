package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ksred/klear-market/internal/participant"
	"github.com/ksred/klear-market/internal/payment"
	"github.com/ksred/klear-market/internal/types"
	"github.com/ksred/klear-market/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// ParticipantKey is the gin context key holding the authenticated
// participant id
const ParticipantKey = "participantID"

const tokenLifetime = 24 * time.Hour

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
	ParticipantID uint     `json:"participant_id"`
	Permissions   []string `json:"permissions"`
}

type credential struct {
	secret        string
	participantID uint
}

// Service issues API credentials and participant tokens
type Service struct {
	jwtSecret []byte
	now       func() time.Time

	mu sync.RWMutex
	// In a real deployment credentials would live in the database
	apiCredentials map[string]credential // map[APIKey]credential
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		now:            time.Now,
		apiCredentials: make(map[string]credential),
	}
}

// IssueCredentials creates a fresh API key pair for a participant
func (s *Service) IssueCredentials(participantID uint) Credentials {
	creds := Credentials{
		APIKey:    uuid.New().String(),
		APISecret: uuid.New().String(),
	}
	s.RegisterAPICredentials(creds.APIKey, creds.APISecret, participantID)
	return creds
}

// RegisterAPICredentials registers a known key pair for a participant
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, participantID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = credential{secret: apiSecret, participantID: participantID}
}

// GenerateToken generates a JWT token for valid API credentials
// The token carries the participant id and expires after 24 hours
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	participantID, ok := s.validateCredentials(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(tokenLifetime)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ParticipantID: participantID,
		Permissions:   []string{"trade"},
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

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ParticipantID != 0 {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *Service) validateCredentials(creds Credentials) (uint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, exists := s.apiCredentials[creds.APIKey]
	if !exists || cred.secret != creds.APISecret {
		return 0, false
	}
	return cred.participantID, true
}

// Registrar onboards a participant with a payment account
type Registrar interface {
	RegisterParticipant(ctx context.Context, req types.RegisterParticipantRequest) (*participant.Participant, *payment.Account, error)
}

// RegistrationResponse is returned once; the secret is not retrievable later
type RegistrationResponse struct {
	types.ParticipantResponse
	Credentials Credentials `json:"credentials"`
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service   *Service
	registrar Registrar
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service, registrar Registrar) *GinHandlers {
	return &GinHandlers{
		service:   service,
		registrar: registrar,
	}
}

// RegisterHandler handles POST requests that onboard a participant
// Responds with the participant, its account key and API credentials
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.RegisterParticipantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		p, account, err := h.registrar.RegisterParticipant(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, RegistrationResponse{
			ParticipantResponse: types.ParticipantResponse{
				ParticipantID: p.ID,
				Name:          p.Name,
				AccountKey:    account.Key,
			},
			Credentials: h.service.IssueCredentials(p.ID),
		})
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

// ParticipantID returns the authenticated participant set by the JWT
// middleware
func ParticipantID(c *gin.Context) (uint, bool) {
	id, ok := c.Get(ParticipantKey)
	if !ok {
		return 0, false
	}
	pid, ok := id.(uint)
	return pid, ok && pid != 0
}
