// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetca/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

// Source tells which credential established an authorization
type Source string

// the supported credential sources
const (
	SourceBearer    Source = "bearer"
	SourceOperator  Source = "operator"
	SourceDeviceTLS Source = "device_certificate"
)

/*Authorization is a context object which stores authorization information
for operators and devices.

An authorization carries the identity of the principal, a set of roles
and optional additional properties.

Authorizations are added to a request context with

	ctx = access.ContextWithAuthorization(ctx, auth)

and retrieved with

	auth := access.AuthorizationFromContext(ctx)

Authorization objects are added to the context by the different middleware
implementations, depending on the credentials in the HTTP request: a JWT
bearer token, operator basic auth, or a device client certificate.
*/
type Authorization struct {
	Identity   string            `json:"identity"`
	Source     Source            `json:"source"`
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// ContextWithAuthorization returns a new context with the authorization added to it
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with an authenticated identity. An identity
// without an authorization is a principal whose roles could not be resolved.
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext returns the authenticated identity, or an empty string
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// Authenticated adds identity and authorization to the request context, together with
// a logger which carries the identity
func Authenticated(r *http.Request, auth *Authorization) *http.Request {
	ctx := ContextWithIdentity(r.Context(), auth.Identity)
	ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Identity)
	ctx = ContextWithAuthorization(ctx, auth)
	return r.WithContext(ctx)
}

// DefaultAuthorizationCacheMaxAge is how long a cached authorization lives at most.
// It bounds how long changed account roles take to reach a token.
const DefaultAuthorizationCacheMaxAge = 5 * time.Minute

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// jwt middleware to cache authorization objects for bearer tokens.
// The purpose of the cache is to reduce the number of database queries, without
// the cache the middleware would have to lookup the authorization for every single
// request. Entries expire with their token, or after MaxAge.
type AuthorizationCache struct {
	MaxAge time.Duration

	mutex     sync.RWMutex
	cache     map[string]cachedAuthorization
	lastPurge time.Time
	now       func() time.Time
}

type cachedAuthorization struct {
	auth    *Authorization
	expires time.Time
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{
		MaxAge: DefaultAuthorizationCacheMaxAge,
		cache:  make(map[string]cachedAuthorization),
		now:    time.Now,
	}
}

// Read returns an authorization from in-process cache, or nil if there is none or
// it has expired.
// Token should be the temporary token the authorization was derived from, not any of the ids.
// This function is go-route safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	entry, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok && a.now().Before(entry.expires) {
		return entry.auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache until expires, but not longer
// than MaxAge. A zero expires means MaxAge.
// Token should be the temporary token it was derived from, not any of the ids.
// This function is go-route safe
func (a *AuthorizationCache) Write(token string, auth *Authorization, expires time.Time) {
	now := a.now()
	if limit := now.Add(a.MaxAge); expires.IsZero() || expires.After(limit) {
		expires = limit
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if now.Sub(a.lastPurge) >= a.MaxAge {
		for key, entry := range a.cache {
			if !now.Before(entry.expires) {
				delete(a.cache, key)
			}
		}
		a.lastPurge = now
	}
	a.cache[token] = cachedAuthorization{auth: auth, expires: expires}
}

// Len returns the number of cached authorizations, including expired ones which
// were not purged yet
func (a *AuthorizationCache) Len() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return len(a.cache)
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for the provided credentials.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
