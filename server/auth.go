package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const deployTokenIssuer = "hatchd"

// NewDeployToken mints a signed deploy token. The hatch CLI obtains one out
// of band and presents it as a bearer token on control-plane requests.
func NewDeployToken(secret string, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    deployTokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func verifyDeployToken(secret, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(deployTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// requireDeployToken guards control-plane endpoints. With an empty secret the
// guard is disabled, which is only sensible on a loopback listener.
func (s *Server) requireDeployToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DeployTokenSecret == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, s.logger, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		if err := verifyDeployToken(s.cfg.DeployTokenSecret, tokenString); err != nil {
			writeError(w, s.logger, r, http.StatusUnauthorized, fmt.Errorf("invalid deploy token: %w", err))
			return
		}
		next(w, r)
	}
}
