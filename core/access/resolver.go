// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetca/core/csql"
)

// Principal is an authenticated caller whose roles are to be resolved
type Principal struct {
	Identity string
	Claims   map[string]interface{}
}

// RoleResolver derives the role set of a principal from one source. It returns
// ok=false if the source does not know the principal, so that the next source
// can be consulted.
type RoleResolver interface {
	ResolveRoles(ctx context.Context, principal Principal) (roles []string, ok bool, err error)
}

// DefaultRoleClaims are the token claims which may carry roles, in order of precedence
var DefaultRoleClaims = []string{"extension_Role", "roles", "role", "roles_claim"}

// ClaimsResolver reads roles from token claims. A claim can either be a comma
// separated string or a list of strings. The first claim present wins.
type ClaimsResolver struct {
	ClaimNames []string
}

// ResolveRoles implements RoleResolver
func (c ClaimsResolver) ResolveRoles(ctx context.Context, principal Principal) ([]string, bool, error) {
	names := c.ClaimNames
	if len(names) == 0 {
		names = DefaultRoleClaims
	}
	for _, name := range names {
		value, present := principal.Claims[name]
		if !present {
			continue
		}
		return parseRoleClaim(value), true, nil
	}
	return nil, false, nil
}

func parseRoleClaim(value interface{}) []string {
	var roles []string
	add := func(s string) {
		for _, role := range strings.Split(s, ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
	}
	switch v := value.(type) {
	case string:
		add(v)
	case []string:
		for _, s := range v {
			add(s)
		}
	case []interface{}:
		for _, s := range v {
			if str, ok := s.(string); ok {
				add(str)
			}
		}
	}
	return roles
}

// StaticAccounts maps identities to roles. It is used for accounts which are
// part of the deployment configuration, like the operator account.
type StaticAccounts map[string][]string

// ResolveRoles implements RoleResolver
func (s StaticAccounts) ResolveRoles(ctx context.Context, principal Principal) ([]string, bool, error) {
	roles, ok := s[principal.Identity]
	return roles, ok, nil
}

// AccountResolver reads roles from the persisted account table, see EnsureAccounts
type AccountResolver struct {
	DB *csql.DB
}

// ResolveRoles implements RoleResolver
func (a AccountResolver) ResolveRoles(ctx context.Context, principal Principal) ([]string, bool, error) {
	var properties json.RawMessage
	err := a.DB.QueryRowContext(ctx,
		`SELECT properties FROM `+a.DB.Table(accountTable)+` WHERE identity=$1;`,
		principal.Identity).Scan(&properties)
	if err == csql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var account struct {
		Roles []string `json:"roles"`
	}
	if err = json.Unmarshal(properties, &account); err != nil {
		return nil, false, err
	}
	return account.Roles, true, nil
}

// ResolverChain consults its resolvers in order. The first resolver which knows the
// principal is the canonical source for the request. Persisted accounts therefore
// go first, token claims last.
type ResolverChain []RoleResolver

// ResolveRoles implements RoleResolver
func (c ResolverChain) ResolveRoles(ctx context.Context, principal Principal) ([]string, bool, error) {
	for _, resolver := range c {
		roles, ok, err := resolver.ResolveRoles(ctx, principal)
		if err != nil || ok {
			return roles, ok, err
		}
	}
	return nil, false, nil
}
