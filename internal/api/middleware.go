/**
 * @description
 * Request authentication. Customer routes present a Clerk session token that
 * is checked against the tenant's published signing keys; service routes
 * present the shared X-Internal-API-Key.
 */
package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// UserIDContextKey holds the authenticated Clerk user ID.
const UserIDContextKey = contextKey("userID")

// SessionAuth describes how customer session tokens are verified. Empty
// Audience or Issuer skips that claim.
type SessionAuth struct {
	JWKSURL  string
	Audience string
	Issuer   string
}

const signingKeysMaxAge = 10 * time.Minute

var errUnknownSigningKey = errors.New("token signed with unknown key")

// signingKeys resolves token kids to RSA keys, reloading the key set when it
// is older than signingKeysMaxAge or a kid is missing from it.
type signingKeys struct {
	source   string
	http     *http.Client
	mu       sync.Mutex
	byKid    map[string]*rsa.PublicKey
	loadedAt time.Time
}

func (s *signingKeys) lookup(kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.byKid[kid]; ok && time.Since(s.loadedAt) < signingKeysMaxAge {
		return key, nil
	}
	loaded, err := loadSigningKeys(s.http, s.source)
	if err != nil {
		return nil, err
	}
	s.byKid, s.loadedAt = loaded, time.Now()
	if key, ok := loaded[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownSigningKey, kid)
}

// keyfunc plugs the key set into jwt.Parse.
func (s *signingKeys) keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid")
	}
	return s.lookup(kid)
}

// ClerkAuthMiddleware admits requests carrying a valid Clerk session token and
// stores its subject as the user ID.
func ClerkAuthMiddleware(auth SessionAuth) func(http.Handler) http.Handler {
	keys := &signingKeys{source: auth.JWKSURL, http: &http.Client{Timeout: 10 * time.Second}}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if auth.Audience != "" {
		options = append(options, jwt.WithAudience(auth.Audience))
	}
	if auth.Issuer != "" {
		options = append(options, jwt.WithIssuer(auth.Issuer))
	}
	parser := jwt.NewParser(options...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || raw == "" {
				respondWithError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(raw, &claims, keys.keyfunc); err != nil {
				respondWithError(w, http.StatusUnauthorized, "session token rejected")
				return
			}
			if claims.Subject == "" {
				respondWithError(w, http.StatusUnauthorized, "session token has no subject")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserIDContextKey, claims.Subject)))
		})
	}
}

// InternalAuthMiddleware admits service calls presenting the shared key.
// With no key configured nothing is admitted.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func loadSigningKeys(client *http.Client, url string) (map[string]*rsa.PublicKey, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing key endpoint answered %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode signing keys: %w", err)
	}

	out := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		key, err := jwk.rsaKey()
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", jwk.Kid, err)
		}
		out[jwk.Kid] = key
	}
	return out, nil
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(new(big.Int).SetBytes(exponent).Int64()),
	}, nil
}

// UserFromContext returns the user ID stored by ClerkAuthMiddleware.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	return userID, ok
}
