// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/logger"
	"github.com/relabs-tech/fleetca/core/registry"
)

// key refresh intervals for downloaded public keys
const (
	publicKeyMaxAge       = 6 * time.Hour
	publicKeyRetryBackoff = time.Minute
)

// JwtMiddlewareBuilder is a helper builder for JwtMiddelware
type JwtMiddlewareBuilder struct {
	// PublicKeyDownloadURL is the download url for public keys, a JSON object mapping key ids
	// to PEM encoded certificates or public keys. In case of google, this would be
	//  "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	PublicKeyDownloadURL string
	// PublicKeys are statically configured keys by key id. A key with the empty id is
	// used for tokens without a kid header.
	PublicKeys map[string]crypto.PublicKey
	// Issuer is the accepted issuer for the token
	Issuer string
	// Registry caches downloaded keys across restarts. Optional.
	Registry *registry.Registry
	// Resolver resolves the roles of an authenticated principal. Mandatory.
	Resolver RoleResolver
	// HTTPClient is used to download keys. Defaults to http.DefaultClient
	HTTPClient *http.Client
}

// keyring holds the keys which are accepted for token signatures
type keyring struct {
	mutex       sync.RWMutex
	static      map[string]crypto.PublicKey
	downloaded  map[string]crypto.PublicKey
	url         string
	registry    registry.Accessor
	hasRegistry bool
	client      *http.Client
	forcedAt    time.Time
}

// NewJwtMiddelware returns a middleware handler to validate
// JWT bearer token.
//
// Java-Web-Token (JWT) are accepted as "Authorization: Bearer" header.
//
// The identity of an authenticated caller is a combination of the token issuer with
// the user's email (or subject if there is no email), separated by the pipe
// symbol '|'. Example:
//
//	"https://login.example.com|test@example.com"
//
// Roles are resolved with the builder's Resolver and cached per token.
//
// This is a final handler with regards to the bearer token. It will return
// http.StatusUnauthorized when a token is available but invalid. Requests
// without a token are passed on unauthenticated.
func NewJwtMiddelware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if jmb.Resolver == nil {
		panic("jwt middleware requires a role resolver")
	}
	if jmb.Issuer == "" {
		panic("jwt middleware requires an issuer")
	}
	keys := &keyring{
		static:     jmb.PublicKeys,
		downloaded: map[string]crypto.PublicKey{},
		url:        jmb.PublicKeyDownloadURL,
		client:     jmb.HTTPClient,
	}
	if keys.client == nil {
		keys.client = http.DefaultClient
	}
	if jmb.Registry != nil {
		keys.registry = jmb.Registry.Accessor("_jwt_")
		keys.hasRegistry = true
	}
	if keys.url != "" {
		if err := keys.refresh(context.Background(), false); err != nil {
			logger.Default().WithError(err).Warnln("cannot load token issuer keys, will retry on demand")
		}
	}

	authCache := NewAuthorizationCache()
	parser := &jwt.Parser{ValidMethods: []string{"RS256", "RS384", "RS512", "ES256", "ES384"}}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := bearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			claims, err := parseToken(parser, tokenString, keys.lookup(r.Context()))
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Infoln("rejected bearer token")
				apierr.Write(w, r, apierr.New(apierr.KindUnauthorized, "invalid token"))
				return
			}
			issuer, _ := claims["iss"].(string)
			if issuer != jmb.Issuer {
				apierr.Write(w, r, apierr.New(apierr.KindUnauthorized, "invalid token issuer"))
				return
			}

			// look up authorization for the token. We do this by tokenString, and not
			// by identity, so the frontend can enforce a new lookup with a new token.
			if auth := authCache.Read(tokenString); auth != nil {
				h.ServeHTTP(w, Authenticated(r, auth))
				return
			}

			identity := issuer + "|" + tokenSubject(claims)
			roles, _, err := jmb.Resolver.ResolveRoles(r.Context(), Principal{Identity: identity, Claims: claims})
			if err != nil {
				apierr.Write(w, r, apierr.Wrap(apierr.KindInternal, err, "Error 4723: cannot resolve roles"))
				return
			}
			auth := &Authorization{Identity: identity, Source: SourceBearer, Roles: roles}
			authCache.Write(tokenString, auth, tokenExpiry(claims))
			h.ServeHTTP(w, Authenticated(r, auth))
		})
	}
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
		return ""
	}
	token := strings.TrimSpace(bearer[7:])
	if token == "null" {
		return ""
	}
	return token
}

func tokenSubject(claims jwt.MapClaims) string {
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// tokenExpiry returns the expiry of the token, or zero if it has none
func tokenExpiry(claims jwt.MapClaims) time.Time {
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0)
	case int64:
		return time.Unix(exp, 0)
	}
	return time.Time{}
}

func parseToken(parser *jwt.Parser, tokenString string, keyFunc jwt.Keyfunc) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// lookup returns a jwt.Keyfunc which finds the key by the token's kid header. Unknown
// key ids trigger a download of the issuer keys.
func (k *keyring) lookup(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if key, ok := k.find(kid); ok {
			return key, nil
		}
		if k.url != "" {
			if err := k.refresh(ctx, true); err != nil {
				logger.FromContext(ctx).WithError(err).Warnln("cannot refresh token issuer keys")
			}
			if key, ok := k.find(kid); ok {
				return key, nil
			}
		}
		return nil, fmt.Errorf("no key for kid '%s'", kid)
	}
}

func (k *keyring) find(kid string) (crypto.PublicKey, bool) {
	if key, ok := k.static[kid]; ok {
		return key, true
	}
	k.mutex.RLock()
	defer k.mutex.RUnlock()
	key, ok := k.downloaded[kid]
	return key, ok
}

// refresh loads the issuer keys, from the registry cache if it is recent enough, otherwise
// from the download url. Forced refreshes are rate limited.
func (k *keyring) refresh(ctx context.Context, force bool) error {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	now := time.Now()
	if force {
		if now.Sub(k.forcedAt) < publicKeyRetryBackoff {
			return nil
		}
		k.forcedAt = now
	}

	var certificates map[string]string
	if !force && k.hasRegistry {
		timestamp, err := k.registry.Read(ctx, k.url, &certificates)
		if err != nil {
			return err
		}
		if now.Sub(timestamp) > publicKeyMaxAge {
			certificates = nil
		}
	}
	if certificates == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
		if err != nil {
			return err
		}
		res, err := k.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d from %s", res.StatusCode, k.url)
		}
		if err = json.NewDecoder(res.Body).Decode(&certificates); err != nil {
			return fmt.Errorf("cannot decode keys from %s: %w", k.url, err)
		}
		if k.hasRegistry {
			if err = k.registry.Write(ctx, k.url, certificates); err != nil {
				logger.FromContext(ctx).WithError(err).Warnln("cannot cache token issuer keys")
			}
		}
	}

	keys := map[string]crypto.PublicKey{}
	for kid, pemData := range certificates {
		key, err := ParsePublicKeyPEM([]byte(pemData))
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("certificate error for kid", kid)
			continue
		}
		keys[kid] = key
	}
	k.downloaded = keys
	return nil
}

// ParsePublicKeyPEM parses an RSA or ECDSA public key, or a certificate carrying one
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, errors.New("neither an RSA nor an ECDSA public key")
	}
	return key, nil
}
