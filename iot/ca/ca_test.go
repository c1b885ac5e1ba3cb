package ca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/iot/ca"
	"github.com/relabs-tech/fleetca/iot/ca/catest"
)

func selfSigned(t *testing.T, isCA bool, key interface{}, pub interface{}) []byte {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	if !isCA {
		template.SubjectKeyId = []byte{1, 2, 3}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestAuthority_Load(t *testing.T) {
	c := catest.NewCA(t, "Fleet Test CA")
	assert.True(t, c.Authority.Ready())
	certPEM, err := c.Authority.CertificatePEM()
	require.NoError(t, err)
	assert.Equal(t, c.CertPEM, certPEM)

	m, err := c.Authority.Material()
	require.NoError(t, err)
	assert.Equal(t, "Fleet Test CA", m.Certificate.Subject.CommonName)
}

func TestAuthority_KeyFormats(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaCert := selfSigned(t, true, rsaKey, &rsaKey.PublicKey)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	_, err = ca.NewAuthority(rsaCert, pkcs1)
	assert.NoError(t, err)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecCert := selfSigned(t, true, ecKey, &ecKey.PublicKey)
	sec1DER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1DER})
	_, err = ca.NewAuthority(ecCert, sec1)
	assert.NoError(t, err)

	// key does not match certificate
	_, err = ca.NewAuthority(ecCert, pkcs1)
	assert.Equal(t, apierr.KindCAUnavailable, apierr.KindOf(err))

	// not a CA
	leaf := selfSigned(t, false, ecKey, &ecKey.PublicKey)
	_, err = ca.NewAuthority(leaf, sec1)
	assert.Equal(t, apierr.KindCAUnavailable, apierr.KindOf(err))

	// garbage
	_, err = ca.NewAuthority([]byte("nope"), sec1)
	assert.Equal(t, apierr.KindCAUnavailable, apierr.KindOf(err))
	_, err = ca.NewAuthority(ecCert, []byte("nope"))
	assert.Equal(t, apierr.KindCAUnavailable, apierr.KindOf(err))
}

func TestAuthority_MissingFiles(t *testing.T) {
	_, err := ca.LoadAuthority("/does/not/exist.crt", "/does/not/exist.key")
	assert.Equal(t, apierr.KindCAUnavailable, apierr.KindOf(err))
}

func TestAuthority_Reload(t *testing.T) {
	c := catest.NewCA(t, "First CA")
	other := catest.NewCA(t, "Second CA")

	// a broken key file keeps the current material
	require.NoError(t, os.WriteFile(c.KeyFile, []byte("broken"), 0600))
	assert.Error(t, c.Authority.Reload())
	m, err := c.Authority.Material()
	require.NoError(t, err)
	assert.Equal(t, "First CA", m.Certificate.Subject.CommonName)

	require.NoError(t, os.WriteFile(c.CertFile, other.CertPEM, 0600))
	require.NoError(t, os.WriteFile(c.KeyFile, other.KeyPEM, 0600))
	require.NoError(t, c.Authority.Reload())
	m, err = c.Authority.Material()
	require.NoError(t, err)
	assert.Equal(t, "Second CA", m.Certificate.Subject.CommonName)

	fromMemory, err := ca.NewAuthority(other.CertPEM, other.KeyPEM)
	require.NoError(t, err)
	assert.Equal(t, apierr.KindCAUnavailable, apierr.KindOf(fromMemory.Reload()))
}

func TestDecodeCSR(t *testing.T) {
	key := catest.DeviceKey(t)
	csrPEM := catest.CSR(t, key, "SN-001")

	csr, err := ca.DecodeCSR(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, "SN-001", csr.Subject.CommonName)

	// base64 wrapped PEM
	csr, err = ca.DecodeCSR(base64.StdEncoding.EncodeToString([]byte(csrPEM)))
	require.NoError(t, err)
	assert.Equal(t, "SN-001", csr.Subject.CommonName)

	// base64 DER
	block, _ := pem.Decode([]byte(csrPEM))
	_, err = ca.DecodeCSR(base64.StdEncoding.EncodeToString(block.Bytes))
	require.NoError(t, err)

	for _, input := range []string{"", "garbage!", base64.StdEncoding.EncodeToString([]byte("garbage"))} {
		_, err = ca.DecodeCSR(input)
		assert.Equal(t, apierr.KindInvalidCSR, apierr.KindOf(err), input)
	}

	// a tampered signature fails closed
	tampered := append([]byte(nil), block.Bytes...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = ca.DecodeCSR(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: tampered})))
	assert.Equal(t, apierr.KindInvalidCSR, apierr.KindOf(err))

	// a certificate is not a csr
	c := catest.NewCA(t, "CA")
	_, err = ca.DecodeCSR(string(c.CertPEM))
	assert.Equal(t, apierr.KindInvalidCSR, apierr.KindOf(err))
}

func TestSign(t *testing.T) {
	c := catest.NewCA(t, "Fleet Test CA")
	key := catest.DeviceKey(t)

	csr, err := ca.DecodeCSR(catest.CSR(t, key, "SN-001"))
	require.NoError(t, err)
	issued, err := c.Authority.Sign(csr, "SN-001", 0)
	require.NoError(t, err)

	cert := catest.ParseCertificate(t, issued.PEM)
	assert.Equal(t, "SN-001", cert.Subject.CommonName)
	assert.Equal(t, "Fleet Test CA", cert.Issuer.CommonName)
	assert.Equal(t, 0, issued.Serial.Cmp(cert.SerialNumber))
	assert.Equal(t, 1, issued.Serial.Sign())
	assert.LessOrEqual(t, issued.Serial.BitLen(), 128)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.WithinDuration(t, time.Now().Add(ca.DefaultValidity), cert.NotAfter, time.Minute)
	assert.True(t, key.Public().(*ecdsa.PublicKey).Equal(cert.PublicKey))
	assert.Equal(t, x509.ECDSAWithSHA256, cert.SignatureAlgorithm)

	m, err := c.Authority.Material()
	require.NoError(t, err)
	assert.NoError(t, m.VerifyClient(cert, time.Now()))
	assert.Error(t, m.VerifyClient(cert, time.Now().Add(ca.DefaultValidity+time.Hour)))

	// certificates of another CA do not verify
	other := catest.NewCA(t, "Other CA")
	foreign, err := other.Authority.Sign(csr, "SN-001", time.Hour)
	require.NoError(t, err)
	assert.Error(t, m.VerifyClient(foreign.Certificate, time.Now()))

	// two issuances never share a serial
	second, err := c.Authority.Sign(csr, "SN-001", 0)
	require.NoError(t, err)
	assert.NotEqual(t, 0, issued.Serial.Cmp(second.Serial))
}

func TestSign_CommonNameBinding(t *testing.T) {
	c := catest.NewCA(t, "Fleet Test CA")
	m, err := c.Authority.Material()
	require.NoError(t, err)
	key := catest.DeviceKey(t)
	now := time.Now()

	anonymous, err := ca.DecodeCSR(catest.CSR(t, key, ""))
	require.NoError(t, err)
	issued, err := m.Sign(anonymous, "SN-002", big.NewInt(42), time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, "SN-002", issued.Certificate.Subject.CommonName)
	assert.Equal(t, int64(42), issued.Certificate.SerialNumber.Int64())
	assert.True(t, issued.Certificate.NotBefore.Before(now))

	other, err := ca.DecodeCSR(catest.CSR(t, key, "SN-999"))
	require.NoError(t, err)
	_, err = m.Sign(other, "SN-002", big.NewInt(43), time.Hour, now)
	assert.Equal(t, apierr.KindInvalidCSR, apierr.KindOf(err))
}
