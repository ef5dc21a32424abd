package auth

import (
	"net/http"
	"strings"

	"go.pilab.hu/imagewatch/domain"
)

const (
	bearerPrefix         = "Bearer "
	websocketProtocolKey = "Sec-WebSocket-Protocol"
	// Browsers cannot set Authorization on a websocket upgrade, so the token
	// rides in the subprotocol list instead.
	websocketBearerPrefix = "bearer, "
)

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the Sec-WebSocket-Protocol "bearer, <token>" convention.
func ExtractToken(header http.Header) *domain.Token {
	if value := header.Get("Authorization"); strings.HasPrefix(value, bearerPrefix) {
		token := domain.Token(strings.TrimPrefix(value, bearerPrefix))
		return &token
	}
	if value := header.Get(websocketProtocolKey); strings.HasPrefix(value, websocketBearerPrefix) {
		token := domain.Token(strings.TrimPrefix(value, websocketBearerPrefix))
		return &token
	}
	return nil
}
