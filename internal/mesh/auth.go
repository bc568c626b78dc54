package mesh

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// tokenTTL bounds how long a signed link token is accepted.
const tokenTTL = 5 * time.Minute

// ErrUnauthorized is returned when a peer presents a missing or invalid
// link token.
var ErrUnauthorized = errors.New("peer is not authorized")

// authenticator signs and verifies link tokens. The shared secret is the
// configured token; the audience is the app id, so replicas of different
// apps never link even when they share a secret. An empty secret disables
// authentication.
type authenticator struct {
	secret []byte
	appID  string
	now    func() time.Time
}

func (a authenticator) enabled() bool { return len(a.secret) > 0 }

// sign returns a bearer token naming site as the subject.
func (a authenticator) sign(site string) (string, error) {
	now := a.now()
	claims := gojwt.RegisteredClaims{
		Subject:   site,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(tokenTTL)),
	}
	if a.appID != "" {
		claims.Audience = gojwt.ClaimStrings{a.appID}
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// header returns the request header a dialer presents.
func (a authenticator) header(site string) (http.Header, error) {
	h := http.Header{}
	if !a.enabled() {
		return h, nil
	}
	token, err := a.sign(site)
	if err != nil {
		return nil, fmt.Errorf("signing link token: %w", err)
	}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// verify checks the request's bearer token and returns the site it names.
// With authentication disabled it returns an empty site and no error.
func (a authenticator) verify(r *http.Request) (string, error) {
	if !a.enabled() {
		return "", nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", ErrUnauthorized
	}

	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(a.now),
	}
	if a.appID != "" {
		opts = append(opts, gojwt.WithAudience(a.appID))
	}

	claims := &gojwt.RegisteredClaims{}
	_, err := gojwt.ParseWithClaims(raw, claims, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}
