// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package core holds the types shared between the fleetca packages
package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation represents a lifecycle operation on a device, one of Register, Provision, Renew, Revoke, Delete
type Operation string

// all supported lifecycle operations
const (
	OperationRegister  Operation = "register"
	OperationProvision Operation = "provision"
	OperationRenew     Operation = "renew"
	OperationRevoke    Operation = "revoke"
	OperationDelete    Operation = "delete"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationRegister, OperationProvision, OperationRenew, OperationRevoke, OperationDelete:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// Notifier is an interface to receive lifecycle notifications
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}
