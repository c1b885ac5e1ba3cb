// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package ca

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"strings"
	"time"

	"github.com/relabs-tech/fleetca/core/apierr"
)

// DefaultValidity is the validity of issued device certificates
const DefaultValidity = 90 * 24 * time.Hour

// clockSkew backdates NotBefore so that devices with slightly late clocks accept
// a fresh certificate
const clockSkew = time.Minute

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// Issued is a signed device certificate
type Issued struct {
	PEM         []byte
	Serial      *big.Int
	NotAfter    time.Time
	Certificate *x509.Certificate
}

// DecodeCSR decodes a certificate signing request and verifies its self-signature.
// The input is either PEM, base64 encoded PEM or base64 encoded DER.
func DecodeCSR(input string) (*x509.CertificateRequest, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, apierr.New(apierr.KindInvalidCSR, "csr is empty")
	}
	der, err := csrDER(input)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidCSR, err, "cannot parse csr")
	}
	if err = csr.CheckSignature(); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidCSR, err, "csr signature is invalid")
	}
	return csr, nil
}

func csrDER(input string) ([]byte, error) {
	if block, _ := pem.Decode([]byte(input)); block != nil {
		if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
			return nil, apierr.New(apierr.KindInvalidCSR, "unexpected PEM type %s", block.Type)
		}
		return block.Bytes, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(input), ""))
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidCSR, "csr is neither PEM nor base64")
	}
	if block, _ := pem.Decode(decoded); block != nil {
		return csrDER(string(decoded))
	}
	return decoded, nil
}

// NewSerial returns a random positive 128 bit certificate serial
func NewSerial() (*big.Int, error) {
	for {
		serial, err := rand.Int(rand.Reader, serialLimit)
		if err != nil {
			return nil, err
		}
		if serial.Sign() > 0 {
			return serial, nil
		}
	}
}

// Sign issues a client certificate for the device serialNumber from csr. The csr
// must have been decoded with DecodeCSR. If the csr carries a common name, it must
// be the device serial number; without one, the serial number becomes the common name.
//
// Sign is a pure function of its inputs and safe for concurrent use.
func (m *Material) Sign(csr *x509.CertificateRequest, serialNumber string, serial *big.Int, validity time.Duration, now time.Time) (*Issued, error) {
	subject := csr.Subject
	switch subject.CommonName {
	case "":
		subject.CommonName = serialNumber
	case serialNumber:
	default:
		return nil, apierr.New(apierr.KindInvalidCSR, "csr common name %q does not match device %s", subject.CommonName, serialNumber)
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	notAfter := now.Add(validity).UTC()
	if notAfter.After(m.Certificate.NotAfter) {
		notAfter = m.Certificate.NotAfter.UTC()
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-clockSkew).UTC(),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, m.Certificate, csr.PublicKey, m.Signer)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIssuanceFailed, err, "cannot sign certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIssuanceFailed, err, "cannot parse signed certificate")
	}
	return &Issued{
		PEM:         pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Serial:      serial,
		NotAfter:    notAfter,
		Certificate: cert,
	}, nil
}

// Sign issues a client certificate with the current material and a fresh serial
func (a *Authority) Sign(csr *x509.CertificateRequest, serialNumber string, validity time.Duration) (*Issued, error) {
	m, err := a.Material()
	if err != nil {
		return nil, err
	}
	serial, err := NewSerial()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIssuanceFailed, err, "cannot generate serial")
	}
	return m.Sign(csr, serialNumber, serial, validity, time.Now())
}
