package credentials

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/kss"
	"github.com/relabs-tech/fleetca/iot/ca/catest"
	"github.com/relabs-tech/fleetca/iot/crl"
	"github.com/relabs-tech/fleetca/iot/device"
)

// scriptedSerials hands out the given serials in order
func scriptedSerials(serials ...int64) func() (*big.Int, error) {
	var mutex sync.Mutex
	return func() (*big.Int, error) {
		mutex.Lock()
		defer mutex.Unlock()
		serial := serials[0]
		if len(serials) > 1 {
			serials = serials[1:]
		}
		return big.NewInt(serial), nil
	}
}

func newTestService(t *testing.T) (*Service, device.Store, *catest.CA) {
	c := catest.NewCA(t, "Fleet Test CA")
	store := device.NewMemoryStore()
	storage, err := kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: t.TempDir()})
	require.NoError(t, err)
	s := NewService(&ServiceConfig{
		Store:     store,
		Authority: c.Authority,
		CRL:       crl.NewBuilder(&crl.BuilderConfig{Store: store, Authority: c.Authority, Storage: storage}),
	})
	return s, store, c
}

func TestIssue_SerialCollision(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestService(t)
	for _, sn := range []string{"SN-001", "SN-002", "SN-003"} {
		_, err := s.Register(ctx, device.Device{SerialNumber: sn, EnrollmentToken: "token-" + sn})
		require.NoError(t, err)
	}
	csr := func(sn string) string { return catest.CSR(t, catest.DeviceKey(t), sn) }

	s.newSerial = scriptedSerials(0x10)
	_, d, err := s.Provision(ctx, "SN-001", "token-SN-001", csr("SN-001"))
	require.NoError(t, err)
	assert.Equal(t, "10", d.CertSerial)

	// one collision is retried with a fresh serial
	s.newSerial = scriptedSerials(0x10, 0x11)
	issued, d, err := s.Provision(ctx, "SN-002", "token-SN-002", csr("SN-002"))
	require.NoError(t, err)
	assert.Equal(t, "11", d.CertSerial)
	assert.Equal(t, int64(0x11), issued.Serial.Int64())

	// a second collision fails the issuance and leaves the device pending
	s.newSerial = scriptedSerials(0x10)
	_, _, err = s.Provision(ctx, "SN-003", "token-SN-003", csr("SN-003"))
	assert.Equal(t, apierr.KindIssuanceFailed, apierr.KindOf(err))
	found, err := store.Find(ctx, "SN-003")
	require.NoError(t, err)
	assert.Equal(t, device.StatusPending, found.Status)
	assert.Empty(t, found.CertSerial)
}

func TestRenew_PresentedSerial(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService(t)
	_, err := s.Register(ctx, device.Device{SerialNumber: "SN-001", EnrollmentToken: "abc123"})
	require.NoError(t, err)

	key := catest.DeviceKey(t)
	_, _, err = s.Renew(ctx, "SN-001", catest.CSR(t, key, "SN-001"), "")
	assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err), "pending devices cannot renew")

	_, d, err := s.Provision(ctx, "SN-001", "abc123", catest.CSR(t, key, "SN-001"))
	require.NoError(t, err)

	_, _, err = s.Renew(ctx, "SN-001", catest.CSR(t, key, "SN-001"), "")
	assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))
	_, _, err = s.Renew(ctx, "SN-001", catest.CSR(t, key, "SN-001"), "abcdef")
	assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))
	_, _, err = s.Renew(ctx, "SN-404", catest.CSR(t, key, "SN-404"), d.CertSerial)
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))

	_, renewed, err := s.Renew(ctx, "SN-001", catest.CSR(t, key, "SN-001"), d.CertSerial)
	require.NoError(t, err)
	assert.NotEqual(t, d.CertSerial, renewed.CertSerial)
	assert.Equal(t, d.IssuedAt, renewed.IssuedAt)
}
