package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/scenesync/scenesync/internal/types"
)

const (
	userIdClaim   = "user_id"
	usernameClaim = "username"
	colorClaim    = "color"
	expClaim      = "exp"
)

var errMissingIdentity = errors.New("missing identity")

// NewIdentityToken signs a handshake identity token. Clients pass it as the
// token query parameter when the server requires signed identities.
func NewIdentityToken(signingKey []byte, user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   user.Id,
		usernameClaim: user.Username,
		colorClaim:    user.Color,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

// VerifyIdentityToken validates tokenString and extracts the identity
// claims.
func VerifyIdentityToken(signingKey []byte, tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, errMissingIdentity
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return types.User{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid claims")
	}

	user := types.User{}
	if id, ok := claims[userIdClaim].(string); ok {
		user.Id = id
	}
	if username, ok := claims[usernameClaim].(string); ok {
		user.Username = username
	}
	if color, ok := claims[colorClaim].(string); ok {
		user.Color = color
	}
	if user.Id == "" {
		return types.User{}, errMissingIdentity
	}

	return user, nil
}
