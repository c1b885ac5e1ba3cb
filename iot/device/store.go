// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"context"

	"github.com/relabs-tech/fleetca/core/apierr"
)

// Store is the device registry.
//
// Update is the only way to change the lifecycle of a device. It loads the device
// under an exclusive lock, runs fn on a copy, validates the transition and persists
// the result. Concurrent updates of the same device are serialized, so a status
// check inside fn is never stale. If fn assigns a new certificate serial, the
// serial is recorded in the issuance ledger; a serial which was issued before makes
// Update fail with apierr.KindSerialCollision.
type Store interface {
	Register(ctx context.Context, d Device) (*Device, error)
	Find(ctx context.Context, serialNumber string) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	Update(ctx context.Context, serialNumber string, fn func(*Device) error) (*Device, error)
	UpdateAttributes(ctx context.Context, serialNumber string, attrs Attributes) (*Device, error)
	Delete(ctx context.Context, serialNumber string) error
	ListRevoked(ctx context.Context) ([]Device, error)
	Issuances(ctx context.Context, serialNumber string) ([]Issuance, error)
}

func errNotFound(serialNumber string) error {
	return apierr.New(apierr.KindNotFound, "device %s not found", serialNumber)
}

func errConflict(serialNumber string) error {
	return apierr.New(apierr.KindConflict, "device %s already exists", serialNumber)
}

func errCollision(certSerial string) error {
	return apierr.New(apierr.KindSerialCollision, "certificate serial %s was issued before", certSerial)
}

func errDeleteRevoked(serialNumber string) error {
	return apierr.New(apierr.KindForbidden, "device %s is revoked and anchors a revocation list entry", serialNumber)
}
