// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetca/core/apierr"
)

// OperatorIdentityPrefix prefixes the identity of operators authenticated with basic auth
const OperatorIdentityPrefix = "operator|"

// OperatorMiddlewareBuilder is a helper builder for OperatorMiddleware
type OperatorMiddlewareBuilder struct {
	// Username and Password of the operator account. Mandatory.
	Username string
	Password string
	// Resolver resolves the roles of the operator. If it does not know the
	// operator, DefaultRoles are used.
	Resolver     RoleResolver
	DefaultRoles []string
}

// NewOperatorMiddleware returns a middleware handler which authenticates the operator
// account with HTTP basic auth.
//
// With curl, use -u 'username:password'.
//
// Wrong credentials are answered with http.StatusUnauthorized. Requests without
// basic auth are passed on.
func NewOperatorMiddleware(omb *OperatorMiddlewareBuilder) mux.MiddlewareFunc {
	if omb.Username == "" || omb.Password == "" {
		panic("operator middleware requires username and password")
	}
	identity := OperatorIdentityPrefix + omb.Username

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}
			username, password, ok := r.BasicAuth()
			if !ok {
				h.ServeHTTP(w, r)
				return
			}
			userOK := subtle.ConstantTimeCompare([]byte(username), []byte(omb.Username)) == 1
			passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(omb.Password)) == 1
			if !userOK || !passwordOK {
				apierr.Write(w, r, apierr.New(apierr.KindUnauthorized, "invalid credentials"))
				return
			}

			roles := omb.DefaultRoles
			if omb.Resolver != nil {
				resolved, found, err := omb.Resolver.ResolveRoles(r.Context(), Principal{Identity: identity})
				if err != nil {
					apierr.Write(w, r, apierr.Wrap(apierr.KindInternal, err, "Error 4724: cannot resolve roles"))
					return
				}
				if found {
					roles = resolved
				}
			}
			auth := &Authorization{Identity: identity, Source: SourceOperator, Roles: roles}
			h.ServeHTTP(w, Authenticated(r, auth))
		})
	}
}
