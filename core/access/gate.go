// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetca/core/apierr"
)

// Mode decides how a required role set is matched
type Mode int

const (
	// AnyOf requires at least one of the roles
	AnyOf Mode = iota
	// AllOf requires all of the roles
	AllOf
)

// Satisfies returns true if the authorization carries the required roles
func (a *Authorization) Satisfies(mode Mode, roles ...string) bool {
	if a == nil {
		return false
	}
	if mode == AllOf {
		for _, role := range roles {
			if !a.HasRole(role) {
				return false
			}
		}
		return true
	}
	for _, role := range roles {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}

// RequireRoles returns a middleware which only lets requests pass whose
// authorization satisfies the required roles.
//
// Requests without any credential are rejected with http.StatusUnauthorized,
// authenticated requests without the required roles with http.StatusForbidden.
func RequireRoles(mode Mode, roles ...string) mux.MiddlewareFunc {
	if len(roles) == 0 {
		panic("RequireRoles needs at least one role")
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth == nil {
				apierr.Write(w, r, apierr.New(apierr.KindUnauthorized, "missing credentials"))
				return
			}
			if !auth.Satisfies(mode, roles...) {
				apierr.Write(w, r, apierr.New(apierr.KindForbidden, "requires role %s", strings.Join(roles, ",")))
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}
