package api

import (
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// Auth resolves the account behind a request from its bearer token. It
// is the whole authentication boundary: cookie/token issuance happens
// elsewhere.
type Auth struct {
	jwks       *keyfunc.JWKS
	audience   string
	issuer     string
	parser     *jwt.Parser
	testSecret []byte
}

// NewAuth creates an Auth validating RS256 tokens against the JWKS.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		jwks:     jwks,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
	}
}

// NewTestAuth creates an Auth accepting HS256 tokens signed with a
// shared secret, for local development and tests.
func NewTestAuth(secret []byte) *Auth {
	return &Auth{
		testSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// AccountIDFromAuthHeader extracts the account identifier from an
// Authorization header value.
func (a *Auth) AccountIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}

	var parsed *jwt.Token
	if a.testSecret != nil {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			return a.testSecret, nil
		})
	} else {
		if a.jwks == nil {
			return "", errors.New("jwks not configured")
		}
		parsed, err = a.parser.Parse(token, a.jwks.Keyfunc)
	}
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// One minute of clock skew, matching what token issuers tolerate.
	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
