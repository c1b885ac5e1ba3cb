// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetca/core/csql"
)

const accountTable = "account"

// FunctionAccount is an account with a fixed set of roles
type FunctionAccount struct {
	Identity string
	Roles    []string
}

// EnsureAccounts creates the account table and the specified function accounts if
// they do not exist yet. An account identity is a combination of the token issuer
// with the user's email, separated by the pipe symbol '|'.
func EnsureAccounts(ctx context.Context, db *csql.DB, accounts ...FunctionAccount) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+db.Table(accountTable)+` (
identity varchar NOT NULL,
properties json NOT NULL DEFAULT '{}'::json,
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(identity)
);`)
	if err != nil {
		return err
	}
	insertQuery := `INSERT INTO ` + db.Table(accountTable) + ` (identity,properties) VALUES($1,$2) ON CONFLICT DO NOTHING;`
	type Roles struct {
		Roles []string `json:"roles"`
	}
	for _, account := range accounts {
		properties, _ := json.Marshal(Roles{Roles: account.Roles})
		_, err := db.ExecContext(ctx, insertQuery, account.Identity, string(properties))
		if err != nil {
			return err
		}
	}
	return nil
}
