package realtime

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of interest on the configured bearer token. the token is issued
// and verified elsewhere; this client only reads the identity to label
// its own presence sessions.
type TokenClaims struct {
	Identity string
	Project  string
}

func ParseTokenClaimsUnverified(token string) (*TokenClaims, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	mapClaims := parsed.Claims.(gojwt.MapClaims)

	claims := &TokenClaims{}
	if identity, ok := mapClaims["sub"].(string); ok {
		claims.Identity = identity
	}
	if identity, ok := mapClaims["identity"].(string); ok {
		claims.Identity = identity
	}
	if project, ok := mapClaims["project"].(string); ok {
		claims.Project = project
	}
	return claims, nil
}
