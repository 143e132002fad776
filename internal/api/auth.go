package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ValidateAPIKey reports whether provided matches configured in constant time.
// An empty key on either side never matches.
func ValidateAPIKey(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

var (
	errNoAuthorization = errors.New("missing Authorization header")
	errNotBearer       = errors.New("authorization must use the Bearer scheme")
	errEmptyToken      = errors.New("missing API key")
)

// ExtractAPIKey returns the token from "Authorization: Bearer <key>".
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoAuthorization
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", errNotBearer
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errEmptyToken
	}
	return token, nil
}

// authMiddleware guards the streaming and job endpoints when an API key is
// configured. Without a key the status server is open, which is what a
// loopback listener on a developer machine wants.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey, err := ExtractAPIKey(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !ValidateAPIKey(apiKey, s.config.APIKey) {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
