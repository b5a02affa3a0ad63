package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingToken    = errors.New("missing bearer token")
	errMissingObserver = errors.New("observer id is required")
)

// bearerToken returns the Authorization bearer token, falling back to the
// token query parameter browsers use for WebSocket upgrades.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.URL.Query().Get("token")
}

// tokenSubject reads the sub claim without checking the signature. The
// CheckPoint API verifies the token on every call made with it.
func tokenSubject(token string) (string, error) {
	if token == "" {
		return "", errMissingToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}
	return claims.GetSubject()
}

// observerID prefers an explicit id and otherwise uses the token subject.
func observerID(explicit, token string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	sub, err := tokenSubject(token)
	if err != nil || sub == "" {
		return "", errMissingObserver
	}
	return sub, nil
}
