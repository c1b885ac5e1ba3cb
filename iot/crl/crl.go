// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package crl maintains the certificate revocation list of the fleet.

There is no table of revocation entries. The list is derived from the revoked
devices in the registry, signed by the CA and persisted through a kss driver.
Revoke is the only way to revoke a device: it changes the device and persists
a new list in one unit, serialized with all other rebuilds, so that a caller who
fetches the list after a successful revocation always finds the device on it.
*/
package crl

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/kss"
	"github.com/relabs-tech/fleetca/core/logger"
	"github.com/relabs-tech/fleetca/core/registry"
	"github.com/relabs-tech/fleetca/iot/ca"
	"github.com/relabs-tech/fleetca/iot/device"
)

// DefaultValidity is the time between ThisUpdate and NextUpdate of a list
const DefaultValidity = 24 * time.Hour

// DefaultKey is the kss key of the persisted list
const DefaultKey = "ca.crl"

// Reason is a revocation reason
type Reason string

// the supported revocation reasons
const (
	ReasonUnspecified          Reason = "unspecified"
	ReasonKeyCompromise        Reason = "keyCompromise"
	ReasonSuperseded           Reason = "superseded"
	ReasonCessationOfOperation Reason = "cessationOfOperation"
)

// RFC 5280 reason codes
var reasonCodes = map[Reason]int{
	ReasonUnspecified:          0,
	ReasonKeyCompromise:        1,
	ReasonSuperseded:           4,
	ReasonCessationOfOperation: 5,
}

// ParseReason parses a revocation reason. The empty string is unspecified.
func ParseReason(s string) (Reason, error) {
	if s == "" {
		return ReasonUnspecified, nil
	}
	if _, ok := reasonCodes[Reason(s)]; !ok {
		return "", apierr.New(apierr.KindBadRequest, "unknown revocation reason %q", s)
	}
	return Reason(s), nil
}

// Counter hands out CRL numbers
type Counter interface {
	Next(ctx context.Context) (int64, error)
}

// RegistryCounter keeps the CRL number in the persistent registry
type RegistryCounter struct {
	Accessor registry.Accessor
	Key      string
}

// Next implements Counter
func (c RegistryCounter) Next(ctx context.Context) (int64, error) {
	key := c.Key
	if key == "" {
		key = "crl_number"
	}
	return c.Accessor.Increment(ctx, key)
}

// Builder builds, signs and persists the revocation list
type Builder struct {
	store     device.Store
	authority *ca.Authority
	storage   kss.Driver
	publish   kss.Driver
	counter   Counter
	key       string
	validity  time.Duration

	mutex sync.Mutex
}

// BuilderConfig is the configuration for NewBuilder
type BuilderConfig struct {
	// Store is the device registry. Mandatory.
	Store device.Store
	// Authority signs the list. Mandatory.
	Authority *ca.Authority
	// Storage persists the list. Mandatory.
	Storage kss.Driver
	// Publish receives a copy of every new list, for example an S3 bucket. Optional.
	Publish kss.Driver
	// Counter hands out CRL numbers. Without a counter the number of the persisted
	// list is incremented.
	Counter Counter
	// Key is the kss key of the list, defaults to DefaultKey
	Key string
	// Validity defaults to DefaultValidity
	Validity time.Duration
}

// NewBuilder returns a new builder
func NewBuilder(c *BuilderConfig) *Builder {
	if c.Store == nil || c.Authority == nil || c.Storage == nil {
		panic("crl builder requires store, authority and storage")
	}
	b := &Builder{
		store:     c.Store,
		authority: c.Authority,
		storage:   c.Storage,
		publish:   c.Publish,
		counter:   c.Counter,
		key:       c.Key,
		validity:  c.Validity,
	}
	if b.key == "" {
		b.key = DefaultKey
	}
	if b.validity <= 0 {
		b.validity = DefaultValidity
	}
	return b
}

// Revoke revokes the device and persists a new list before it returns. If the list
// cannot be persisted, the device stays unchanged.
func (b *Builder) Revoke(ctx context.Context, serialNumber string, reason Reason) (*device.Device, error) {
	if _, ok := reasonCodes[reason]; !ok {
		return nil, apierr.New(apierr.KindBadRequest, "unknown revocation reason %q", reason)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	m, err := b.authority.Material()
	if err != nil {
		return nil, err
	}
	// all revocations go through the builder mutex, so the registry order of the
	// other revoked devices cannot change while we hold it
	devices, err := b.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var crlPEM []byte
	d, err := b.store.Update(ctx, serialNumber, func(d *device.Device) error {
		if d.Status == device.StatusRevoked {
			return apierr.New(apierr.KindConflict, "device %s is already revoked", serialNumber)
		}
		now := time.Now().UTC()
		d.Status = device.StatusRevoked
		d.RevokedAt = &now
		d.RevocationReason = string(reason)

		var err error
		crlPEM, err = b.build(ctx, m, withRevoked(devices, *d), now)
		if err != nil {
			return err
		}
		return b.persist(ctx, crlPEM)
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("revoked device %s (%s)", serialNumber, reason)
	b.publishCopy(ctx, crlPEM)
	return d, nil
}

// Rebuild builds, signs and persists a new list from the registry
func (b *Builder) Rebuild(ctx context.Context) ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.rebuild(ctx)
}

func (b *Builder) rebuild(ctx context.Context) ([]byte, error) {
	m, err := b.authority.Material()
	if err != nil {
		return nil, err
	}
	revoked, err := b.store.ListRevoked(ctx)
	if err != nil {
		return nil, err
	}
	crlPEM, err := b.build(ctx, m, revoked, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err = b.persist(ctx, crlPEM); err != nil {
		return nil, err
	}
	b.publishCopy(ctx, crlPEM)
	return crlPEM, nil
}

// Get returns the persisted list. If there is none yet, it is built first.
func (b *Builder) Get(ctx context.Context) ([]byte, error) {
	crlPEM, err := b.storage.Download(ctx, b.key)
	if err == nil {
		return crlPEM, nil
	}
	if !errors.Is(err, kss.ErrNotFound) {
		return nil, apierr.Wrap(apierr.KindInternal, err, "Error 3201: cannot read revocation list")
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	// somebody else might have built it while we were waiting
	if crlPEM, err = b.storage.Download(ctx, b.key); err == nil {
		return crlPEM, nil
	}
	logger.FromContext(ctx).Infoln("no revocation list yet, building one")
	return b.rebuild(ctx)
}

// withRevoked returns the revoked devices of the registry ordered list devices,
// with d in its own place
func withRevoked(devices []device.Device, d device.Device) []device.Device {
	revoked := make([]device.Device, 0, len(devices))
	for _, other := range devices {
		switch {
		case other.SerialNumber == d.SerialNumber:
			revoked = append(revoked, d)
		case other.Status == device.StatusRevoked:
			revoked = append(revoked, other)
		}
	}
	return revoked
}

// build creates one entry per revoked device which ever had a certificate, in
// registry order
func (b *Builder) build(ctx context.Context, m *ca.Material, revoked []device.Device, now time.Time) ([]byte, error) {
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, d := range revoked {
		serial, ok := d.CertSerialInt()
		if !ok {
			continue
		}
		revokedAt := now
		if d.RevokedAt != nil {
			revokedAt = *d.RevokedAt
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: revokedAt.UTC(),
			ReasonCode:     reasonCodes[Reason(d.RevocationReason)],
		})
	}

	number, err := b.nextNumber(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "Error 3202: cannot get crl number")
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(b.validity),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, m.Certificate, m.Signer)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCAUnavailable, err, "cannot sign revocation list")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

func (b *Builder) nextNumber(ctx context.Context) (int64, error) {
	if b.counter != nil {
		return b.counter.Next(ctx)
	}
	current, err := b.storage.Download(ctx, b.key)
	if errors.Is(err, kss.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	list, err := Parse(current)
	if err != nil || list.Number == nil {
		logger.FromContext(ctx).WithError(err).Warnln("persisted revocation list is unreadable, restarting numbers")
		return 1, nil
	}
	return list.Number.Int64() + 1, nil
}

func (b *Builder) persist(ctx context.Context, crlPEM []byte) error {
	if err := b.storage.Upload(ctx, b.key, crlPEM); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "Error 3203: cannot persist revocation list")
	}
	return nil
}

// publishCopy uploads the list to the publishing driver. Failures are logged, the
// authoritative copy is already persisted.
func (b *Builder) publishCopy(ctx context.Context, crlPEM []byte) {
	if b.publish == nil {
		return
	}
	if err := b.publish.Upload(ctx, b.key, crlPEM); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 3204: cannot publish revocation list")
	}
}

// Parse parses a PEM encoded revocation list
func Parse(crlPEM []byte) (*x509.RevocationList, error) {
	block, _ := pem.Decode(crlPEM)
	if block == nil || block.Type != "X509 CRL" {
		return nil, fmt.Errorf("not a PEM encoded revocation list")
	}
	return x509.ParseRevocationList(block.Bytes)
}
