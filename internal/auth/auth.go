package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Service verifies bearer tokens issued by the external identity provider.
// Token issuance is not this server's job; it only checks the signature
// and extracts the player identity.
type Service struct {
	jwtSecret []byte
}

func NewService(secret string) *Service {
	return &Service{jwtSecret: []byte(secret)}
}

// ValidateToken verifies a JWT and returns the player id claim.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if playerID, ok := claims["player_id"].(string); ok {
			return playerID, nil
		}
		// Older tokens carry user_id instead
		if playerID, ok := claims["user_id"].(string); ok {
			return playerID, nil
		}
		return "", errors.New("invalid token claims")
	}

	return "", ErrInvalidToken
}

// GenerateID returns a random hex identifier for clients without one.
func GenerateID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
