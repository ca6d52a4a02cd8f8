package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	tokenUseJoin    = "join"
	tokenUseRefresh = "refresh"
)

// AuthService issues and checks the tokens peers present when they join a
// rendezvous server.
type AuthService interface {
	GenerateToken(peerID domain.PeerID, displayName string) (string, error)
	GenerateRefreshToken(peerID domain.PeerID, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	// Authenticate resolves a join token to the peer it was issued for.
	Authenticate(tokenString string) (domain.PeerID, error)
	TokenTTL() time.Duration
}

type Claims struct {
	PeerID      domain.PeerID `json:"peer_id"`
	DisplayName string        `json:"name,omitempty"`
	TokenUse    string        `json:"token_use"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL, refreshTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
	}
}

func (s *authService) GenerateToken(peerID domain.PeerID, displayName string) (string, error) {
	return s.sign(peerID, displayName, tokenUseJoin, s.accessTokenTTL)
}

func (s *authService) GenerateRefreshToken(peerID domain.PeerID, displayName string) (string, error) {
	return s.sign(peerID, displayName, tokenUseRefresh, s.refreshTokenTTL)
}

func (s *authService) sign(peerID domain.PeerID, displayName, use string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		PeerID:      peerID,
		DisplayName: displayName,
		TokenUse:    use,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(peerID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.PeerID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != tokenUseJoin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != tokenUseRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) Authenticate(tokenString string) (domain.PeerID, error) {
	if tokenString == "" {
		return "", ErrUnauthorized
	}
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.PeerID, nil
}

func (s *authService) TokenTTL() time.Duration {
	return s.accessTokenTTL
}
