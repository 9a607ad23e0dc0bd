package auth

import (
	"net/http"
	"strings"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
)

// TokenFromRequest extracts a bearer token from the Authorization header. When
// allowQuery is set, the access_token query parameter is accepted as well,
// since browsers cannot set headers on websocket upgrades.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
			return token, nil
		}
	}
	if allowQuery {
		if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam)); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}
