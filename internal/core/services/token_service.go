package services

import (
	"context"
	"errors"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

const issuer = "peercall"

type participantKey struct{}

// TokenService issues and checks the relay access tokens. The token subject
// is the participant id.
type TokenService interface {
	GenerateToken(participant domain.ParticipantID, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Participant() domain.ParticipantID {
	return domain.ParticipantID(c.Subject)
}

type tokenService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewTokenService(jwtSecret string, tokenTTL time.Duration) TokenService {
	return &tokenService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

func (s *tokenService) GenerateToken(participant domain.ParticipantID, displayName string) (string, error) {
	if err := validation.ValidateParticipantID(string(participant)); err != nil {
		return "", err
	}

	now := time.Now()
	claims := &Claims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participant),
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *tokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := validation.ValidateParticipantID(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// WithParticipant stores the authenticated participant in ctx.
func WithParticipant(ctx context.Context, id domain.ParticipantID) context.Context {
	return context.WithValue(ctx, participantKey{}, id)
}

func ParticipantFromContext(ctx context.Context) (domain.ParticipantID, error) {
	id, ok := ctx.Value(participantKey{}).(domain.ParticipantID)
	if !ok || id == "" {
		return "", ErrUnauthorized
	}
	return id, nil
}
