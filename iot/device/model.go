// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"math/big"
	"strings"
	"time"

	"github.com/relabs-tech/fleetca/core/apierr"
)

// Status is the lifecycle status of a device
type Status string

// the lifecycle states. revoked is terminal.
const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Device is the identity record of a physical device
type Device struct {
	SerialNumber string `json:"serial_number"`
	// EnrollmentToken is the pre-shared provisioning secret. It is never rendered.
	EnrollmentToken string `json:"-"`
	Status          Status `json:"status"`
	// CertSerial is the lower case hex serial of the current certificate. It is
	// retained after revocation.
	CertSerial       string     `json:"cert_serial,omitempty"`
	CertNotAfter     *time.Time `json:"cert_not_after,omitempty"`
	ParkingID        *string    `json:"parking_id,omitempty"`
	IssuedAt         *time.Time `json:"issued_at,omitempty"`
	RenewedAt        *time.Time `json:"renewed_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Issuance is a ledger entry for an issued certificate
type Issuance struct {
	CertSerial   string    `json:"cert_serial"`
	SerialNumber string    `json:"serial_number"`
	NotAfter     time.Time `json:"not_after"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Attributes are the administrative attributes of a device. Nil fields are
// left unchanged, an empty ParkingID clears it.
type Attributes struct {
	EnrollmentToken *string
	ParkingID       *string
}

// FormatSerial renders a certificate serial the way the registry stores it
func FormatSerial(serial *big.Int) string {
	return strings.ToLower(serial.Text(16))
}

// ParseSerial parses a certificate serial as stored in the registry
func ParseSerial(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 16)
}

// CertSerialInt returns the current certificate serial, or false if the device never
// had a certificate
func (d *Device) CertSerialInt() (*big.Int, bool) {
	if d.CertSerial == "" {
		return nil, false
	}
	return ParseSerial(d.CertSerial)
}

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusPending, StatusActive, StatusRevoked},
	StatusActive:  {StatusActive, StatusRevoked},
	StatusRevoked: {},
}

// ValidateTransition checks a lifecycle transition. pending -> active happens on
// provisioning, active -> active on renewal. Both pending and active devices can be
// revoked, and nothing ever leaves revoked.
func ValidateTransition(from, to Status) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apierr.New(apierr.KindForbidden, "device cannot go from %s to %s", from, to)
}

// validateNew checks a device before it gets registered
func validateNew(d *Device) error {
	if strings.TrimSpace(d.SerialNumber) == "" {
		return apierr.New(apierr.KindBadRequest, "serial_number is missing")
	}
	if d.EnrollmentToken == "" {
		return apierr.New(apierr.KindBadRequest, "token is missing")
	}
	return nil
}

// applyUpdate runs fn on a copy of current and validates the result. It returns the
// updated device and whether a new certificate serial was assigned.
func applyUpdate(current Device, fn func(*Device) error) (Device, bool, error) {
	updated := current
	if err := fn(&updated); err != nil {
		return current, false, err
	}
	if updated.SerialNumber != current.SerialNumber {
		return current, false, apierr.New(apierr.KindBadRequest, "serial number cannot change")
	}
	if err := ValidateTransition(current.Status, updated.Status); err != nil {
		return current, false, err
	}
	if current.CertSerial != "" && updated.CertSerial == "" {
		return current, false, apierr.New(apierr.KindForbidden, "certificate serial cannot be removed")
	}
	if updated.Status == StatusRevoked && updated.RevokedAt == nil {
		now := time.Now().UTC()
		updated.RevokedAt = &now
	}
	newCert := updated.CertSerial != current.CertSerial
	if newCert && updated.Status == StatusRevoked {
		return current, false, apierr.New(apierr.KindForbidden, "revoked devices cannot get certificates")
	}
	return updated, newCert, nil
}

// applyAttributes applies administrative attributes
func applyAttributes(d *Device, attrs Attributes) error {
	if d.Status == StatusRevoked {
		return apierr.New(apierr.KindForbidden, "device %s is revoked", d.SerialNumber)
	}
	if attrs.EnrollmentToken != nil {
		if *attrs.EnrollmentToken == "" {
			return apierr.New(apierr.KindBadRequest, "token must not be empty")
		}
		d.EnrollmentToken = *attrs.EnrollmentToken
	}
	if attrs.ParkingID != nil {
		if *attrs.ParkingID == "" {
			d.ParkingID = nil
		} else {
			parkingID := *attrs.ParkingID
			d.ParkingID = &parkingID
		}
	}
	return nil
}
