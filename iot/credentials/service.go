// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetca/core"
	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/logger"
	"github.com/relabs-tech/fleetca/iot"
	"github.com/relabs-tech/fleetca/iot/ca"
	"github.com/relabs-tech/fleetca/iot/crl"
	"github.com/relabs-tech/fleetca/iot/device"
)

// resource is the resource name of lifecycle notifications
const resource = "device"

// Service implements the certificate lifecycle of devices
type Service struct {
	store     device.Store
	authority *ca.Authority
	crl       *crl.Builder
	notifier  core.Notifier
	publisher iot.MessagePublisher
	validity  time.Duration
	newSerial func() (*big.Int, error)
}

// ServiceConfig is the configuration for NewService
type ServiceConfig struct {
	// Store is the device registry. Mandatory.
	Store device.Store
	// Authority signs device certificates. Mandatory.
	Authority *ca.Authority
	// CRL revokes devices. Mandatory.
	CRL *crl.Builder
	// Notifier receives lifecycle events. Optional.
	Notifier core.Notifier
	// Publisher tells devices about their revocation. Optional.
	Publisher iot.MessagePublisher
	// Validity of issued certificates, defaults to ca.DefaultValidity
	Validity time.Duration
}

// lifecycleEvent is the payload of lifecycle notifications
type lifecycleEvent struct {
	Serial     string        `json:"serial"`
	Status     device.Status `json:"status"`
	CertSerial string        `json:"cert_serial,omitempty"`
	NotAfter   *time.Time    `json:"not_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// NewService returns a new service
func NewService(c *ServiceConfig) *Service {
	if c.Store == nil {
		panic("Store is missing")
	}
	if c.Authority == nil {
		panic("Authority is missing")
	}
	if c.CRL == nil {
		panic("CRL is missing")
	}
	validity := c.Validity
	if validity <= 0 {
		validity = ca.DefaultValidity
	}
	return &Service{
		store:     c.Store,
		authority: c.Authority,
		crl:       c.CRL,
		notifier:  c.Notifier,
		publisher: c.Publisher,
		validity:  validity,
		newSerial: ca.NewSerial,
	}
}

// Register adds a new pending device to the registry
func (s *Service) Register(ctx context.Context, d device.Device) (*device.Device, error) {
	registered, err := s.store.Register(ctx, d)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("registered device %s", registered.SerialNumber)
	s.notify(core.OperationRegister, registered)
	return registered, nil
}

// Delete removes a device which is not revoked from the registry
func (s *Service) Delete(ctx context.Context, serialNumber string) error {
	if err := s.store.Delete(ctx, serialNumber); err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("deleted device %s", serialNumber)
	s.notify(core.OperationDelete, &device.Device{SerialNumber: serialNumber})
	return nil
}

// Provision issues the first certificate of a pending device. The device authenticates
// with its enrollment token. Unknown devices are reported before wrong tokens, wrong
// tokens before devices which are not pending any longer.
func (s *Service) Provision(ctx context.Context, serialNumber, token, csrInput string) (*ca.Issued, *device.Device, error) {
	csr, csrErr := ca.DecodeCSR(csrInput)
	check := func(d *device.Device) error {
		if subtle.ConstantTimeCompare([]byte(d.EnrollmentToken), []byte(token)) != 1 {
			return apierr.New(apierr.KindUnauthorized, "invalid enrollment token for device %s", serialNumber)
		}
		if d.Status != device.StatusPending {
			return apierr.New(apierr.KindForbidden, "device %s is already provisioned", serialNumber)
		}
		return csrErr
	}
	apply := func(d *device.Device, now time.Time) {
		d.Status = device.StatusActive
		d.IssuedAt = &now
	}
	issued, d, err := s.issue(ctx, serialNumber, csr, check, apply)
	if err != nil {
		return nil, nil, err
	}
	logger.FromContext(ctx).Infof("provisioned device %s with certificate %s", serialNumber, d.CertSerial)
	s.notify(core.OperationProvision, d)
	return issued, d, nil
}

// Renew issues a new certificate for an active device. presentedCertSerial is the serial of
// the client certificate the device authenticated with; it must be the current one.
func (s *Service) Renew(ctx context.Context, serialNumber, csrInput, presentedCertSerial string) (*ca.Issued, *device.Device, error) {
	csr, csrErr := ca.DecodeCSR(csrInput)
	check := func(d *device.Device) error {
		if d.Status != device.StatusActive {
			return apierr.New(apierr.KindForbidden, "device %s is %s", serialNumber, d.Status)
		}
		if presentedCertSerial == "" || presentedCertSerial != d.CertSerial {
			return apierr.New(apierr.KindForbidden, "certificate %s is not the current certificate of device %s", presentedCertSerial, serialNumber)
		}
		return csrErr
	}
	apply := func(d *device.Device, now time.Time) {
		d.RenewedAt = &now
	}
	issued, d, err := s.issue(ctx, serialNumber, csr, check, apply)
	if err != nil {
		return nil, nil, err
	}
	logger.FromContext(ctx).Infof("renewed certificate of device %s, new certificate %s", serialNumber, d.CertSerial)
	s.notify(core.OperationRenew, d)
	return issued, d, nil
}

// Revoke revokes a device. When Revoke returns, the device is on the persisted revocation list.
func (s *Service) Revoke(ctx context.Context, serialNumber string, reason crl.Reason) (*device.Device, error) {
	d, err := s.crl.Revoke(ctx, serialNumber, reason)
	if err != nil {
		return nil, err
	}
	s.notify(core.OperationRevoke, d)
	if s.publisher != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"serial":     d.SerialNumber,
			"reason":     d.RevocationReason,
			"revoked_at": d.RevokedAt,
		})
		s.publisher.PublishMessageQ1(iot.DeviceTopic(d.SerialNumber, "revoked"), payload)
	}
	return d, nil
}

// issue signs csr for the device inside a registry transition. check runs first on the
// locked record, apply after the certificate serial has been assigned. A serial which was
// issued before is retried once with a fresh one.
func (s *Service) issue(ctx context.Context, serialNumber string, csr *x509.CertificateRequest,
	check func(d *device.Device) error, apply func(d *device.Device, now time.Time)) (*ca.Issued, *device.Device, error) {

	var issued *ca.Issued
	update := func(d *device.Device) error {
		if err := check(d); err != nil {
			return err
		}
		m, err := s.authority.Material()
		if err != nil {
			return err
		}
		serial, err := s.newSerial()
		if err != nil {
			return apierr.Wrap(apierr.KindIssuanceFailed, err, "cannot generate certificate serial")
		}
		now := time.Now().UTC()
		issued, err = m.Sign(csr, d.SerialNumber, serial, s.validity, now)
		if err != nil {
			return err
		}
		notAfter := issued.NotAfter
		d.CertSerial = device.FormatSerial(issued.Serial)
		d.CertNotAfter = &notAfter
		apply(d, now)
		return nil
	}

	d, err := s.store.Update(ctx, serialNumber, update)
	if apierr.Is(err, apierr.KindSerialCollision) {
		logger.FromContext(ctx).WithError(err).Warnln("certificate serial collision, retrying with a fresh serial")
		d, err = s.store.Update(ctx, serialNumber, update)
		if apierr.Is(err, apierr.KindSerialCollision) {
			err = apierr.Wrap(apierr.KindIssuanceFailed, err, "cannot allocate a unique certificate serial")
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return issued, d, nil
}

func (s *Service) notify(operation core.Operation, d *device.Device) {
	if s.notifier == nil {
		return
	}
	payload, err := json.Marshal(lifecycleEvent{
		Serial:     d.SerialNumber,
		Status:     d.Status,
		CertSerial: d.CertSerial,
		NotAfter:   d.CertNotAfter,
		Reason:     d.RevocationReason,
	})
	if err != nil {
		logger.Default().WithError(err).Errorln("Error 3301: cannot marshal lifecycle event")
		return
	}
	s.notifier.Notify(resource, operation, payload)
}
