// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package ca implements the certificate authority of the fleet.

The CA certificate and key are loaded from PEM files at startup. They are kept
in an immutable Material value behind an atomic pointer, so that signing never
takes a lock. Reload replaces the material as a whole.
*/
package ca

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/logger"
)

// Material is the immutable key material of the certificate authority
type Material struct {
	Certificate    *x509.Certificate
	CertificatePEM []byte
	Signer         crypto.Signer
	LoadedAt       time.Time
	roots          *x509.CertPool
}

// Authority holds the current CA material
type Authority struct {
	certFile string
	keyFile  string
	material atomic.Pointer[Material]
}

// LoadAuthority loads the CA certificate and private key from PEM files. Failures are
// of kind apierr.KindCAUnavailable.
func LoadAuthority(certFile, keyFile string) (*Authority, error) {
	a := &Authority{certFile: certFile, keyFile: keyFile}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewAuthority returns an authority for PEM encoded material which does not come from
// files. Reload is not possible for such an authority.
func NewAuthority(certPEM, keyPEM []byte) (*Authority, error) {
	m, err := ParseMaterial(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	a := &Authority{}
	a.material.Store(m)
	return a, nil
}

// Reload reads the CA files again and replaces the material. On failure the current
// material stays in place.
func (a *Authority) Reload() error {
	if a.certFile == "" || a.keyFile == "" {
		return apierr.New(apierr.KindCAUnavailable, "authority was not loaded from files")
	}
	certPEM, err := os.ReadFile(a.certFile)
	if err != nil {
		return apierr.Wrap(apierr.KindCAUnavailable, err, "cannot read CA certificate")
	}
	keyPEM, err := os.ReadFile(a.keyFile)
	if err != nil {
		return apierr.Wrap(apierr.KindCAUnavailable, err, "cannot read CA key")
	}
	m, err := ParseMaterial(certPEM, keyPEM)
	if err != nil {
		return err
	}
	a.material.Store(m)
	logger.Default().Infof("certificate authority loaded: %s, valid until %s",
		m.Certificate.Subject.String(), m.Certificate.NotAfter.Format(time.RFC3339))
	return nil
}

// Material returns the current CA material
func (a *Authority) Material() (*Material, error) {
	m := a.material.Load()
	if m == nil {
		return nil, apierr.New(apierr.KindCAUnavailable, "certificate authority not loaded")
	}
	return m, nil
}

// Ready returns true if the authority has material which is currently valid
func (a *Authority) Ready() bool {
	m := a.material.Load()
	if m == nil {
		return false
	}
	now := time.Now()
	return now.After(m.Certificate.NotBefore) && now.Before(m.Certificate.NotAfter)
}

// CertificatePEM returns the PEM encoded CA certificate
func (a *Authority) CertificatePEM() ([]byte, error) {
	m, err := a.Material()
	if err != nil {
		return nil, err
	}
	return m.CertificatePEM, nil
}

// ParseMaterial parses a PEM encoded CA certificate and private key. The key can be
// PKCS#8, PKCS#1 or SEC1 encoded and must match the certificate.
func ParseMaterial(certPEM, keyPEM []byte) (*Material, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, apierr.New(apierr.KindCAUnavailable, "CA certificate is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCAUnavailable, err, "cannot parse CA certificate")
	}
	if !cert.IsCA || !cert.BasicConstraintsValid {
		return nil, apierr.New(apierr.KindCAUnavailable, "certificate %s is not a CA", cert.Subject.String())
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, apierr.New(apierr.KindCAUnavailable, "CA certificate may not sign certificates")
	}
	if len(cert.SubjectKeyId) == 0 {
		return nil, apierr.New(apierr.KindCAUnavailable, "CA certificate has no subject key identifier")
	}

	signer, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCAUnavailable, err, "cannot parse CA key")
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, apierr.New(apierr.KindCAUnavailable, "CA key does not match the CA certificate")
	}

	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return &Material{
		Certificate:    cert,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		Signer:         signer,
		LoadedAt:       time.Now().UTC(),
		roots:          roots,
	}, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM type %s", block.Type)
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key of type %T cannot sign", key)
	}
	return signer, nil
}

// VerifyClient checks that cert was issued by this CA for client authentication and
// is valid at now
func (m *Material) VerifyClient(cert *x509.Certificate, now time.Time) error {
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       m.roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}

// ClientCAs returns a pool with the CA certificate, for tls.Config.ClientCAs
func (m *Material) ClientCAs() *x509.CertPool {
	return m.roots
}
