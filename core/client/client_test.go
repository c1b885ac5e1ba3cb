package client_test

import (
	"crypto/tls"
	"encoding/pem"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/client"
	"github.com/relabs-tech/fleetca/core/kss"
	"github.com/relabs-tech/fleetca/iot/ca/catest"
	"github.com/relabs-tech/fleetca/iot/credentials"
	"github.com/relabs-tech/fleetca/iot/crl"
	"github.com/relabs-tech/fleetca/iot/device"
)

func newRouter(t *testing.T) (*mux.Router, *catest.CA) {
	c := catest.NewCA(t, "Fleet Test CA")
	store := device.NewMemoryStore()
	storage, err := kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: t.TempDir()})
	require.NoError(t, err)
	service := credentials.NewService(&credentials.ServiceConfig{
		Store:     store,
		Authority: c.Authority,
		CRL:       crl.NewBuilder(&crl.BuilderConfig{Store: store, Authority: c.Authority, Storage: storage}),
	})
	router := mux.NewRouter()
	credentials.NewAPI(&credentials.Builder{Service: service, Router: router})
	return router, c
}

func TestClient_Lifecycle(t *testing.T) {
	router, c := newRouter(t)
	admin := client.NewWithRouter(router).WithAdminAuthorization()
	anonymous := client.NewWithRouter(router)

	parking := "P-7"
	d, err := admin.CreateDevice("SN-001", "abc123", &parking)
	require.NoError(t, err)
	assert.Equal(t, device.StatusPending, d.Status)
	require.NotNil(t, d.ParkingID)
	assert.Equal(t, parking, *d.ParkingID)

	_, err = admin.CreateDevice("SN-001", "abc123", nil)
	assert.Equal(t, apierr.KindConflict, apierr.KindOf(err))

	key := catest.DeviceKey(t)
	_, err = anonymous.Provision("SN-001", "wrong", catest.CSR(t, key, "SN-001"))
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))

	certPEM, err := anonymous.Provision("SN-001", "abc123", catest.CSR(t, key, "SN-001"))
	require.NoError(t, err)
	cert := catest.ParseCertificate(t, certPEM)
	assert.Equal(t, "SN-001", cert.Subject.CommonName)

	// renewal without the device certificate is refused
	_, err = anonymous.Renew("SN-001", catest.CSR(t, key, "SN-001"))
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))

	deviceClient, err := anonymous.WithClientCertificate(tls.Certificate{Certificate: [][]byte{cert.Raw}, Leaf: cert}, nil)
	require.NoError(t, err)
	renewedPEM, err := deviceClient.Renew("SN-001", catest.CSR(t, key, "SN-001"))
	require.NoError(t, err)
	renewed := catest.ParseCertificate(t, renewedPEM)
	assert.NotEqual(t, cert.SerialNumber, renewed.SerialNumber)

	// the replaced certificate cannot renew again
	_, err = deviceClient.Renew("SN-001", catest.CSR(t, key, "SN-001"))
	assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))

	issuances, err := admin.Certificates("SN-001")
	require.NoError(t, err)
	assert.Len(t, issuances, 2)

	err = anonymous.Revoke("SN-001", "keyCompromise")
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))
	require.NoError(t, admin.Revoke("SN-001", "keyCompromise"))
	err = admin.Revoke("SN-001", "")
	assert.Equal(t, apierr.KindConflict, apierr.KindOf(err))

	crlPEM, err := anonymous.CRL()
	require.NoError(t, err)
	list, err := crl.Parse(crlPEM)
	require.NoError(t, err)
	require.Len(t, list.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, list.RevokedCertificateEntries[0].SerialNumber.Cmp(renewed.SerialNumber))

	d, err = admin.Device("SN-001")
	require.NoError(t, err)
	assert.Equal(t, device.StatusRevoked, d.Status)

	caPEM, err := anonymous.CACertificate()
	require.NoError(t, err)
	assert.Equal(t, c.CertPEM, caPEM)
}

func TestClient_Devices(t *testing.T) {
	router, _ := newRouter(t)
	admin := client.NewWithRouter(router).WithAdminAuthorization()

	for _, sn := range []string{"SN-001", "SN-002"} {
		_, err := admin.CreateDevice(sn, "token", nil)
		require.NoError(t, err)
	}
	devices, err := admin.Devices()
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	parking := "P-1"
	d, err := admin.UpdateDevice("SN-002", nil, &parking)
	require.NoError(t, err)
	require.NotNil(t, d.ParkingID)
	assert.Equal(t, parking, *d.ParkingID)

	require.NoError(t, admin.DeleteDevice("SN-002"))
	_, err = admin.Device("SN-002")
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))

	_, err = client.NewWithRouter(router).WithRole("viewer").Devices()
	assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))
}

func TestClient_URL(t *testing.T) {
	router, c := newRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	remote := client.NewWithURL(server.URL)
	caPEM, err := remote.CACertificate()
	require.NoError(t, err)
	assert.Equal(t, c.CertPEM, caPEM)

	crlPEM, err := remote.CRL()
	require.NoError(t, err)
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	// no bearer middleware is installed, so tokens do not grant anything
	_, err = remote.WithToken("some-token").Devices()
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))

	_, err = remote.Provision("SN-404", "token", catest.CSR(t, catest.DeviceKey(t), "SN-404"))
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
}
