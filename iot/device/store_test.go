package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetca/core/apierr"
)

// testStore runs the behaviour every Store implementation must have
func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("register and find", func(t *testing.T) {
		parking := "P-7"
		d, err := store.Register(ctx, Device{SerialNumber: "SN-001", EnrollmentToken: "abc123", ParkingID: &parking, Status: StatusActive})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, d.Status, "registration always starts pending")
		assert.Empty(t, d.CertSerial)

		_, err = store.Register(ctx, Device{SerialNumber: "SN-001", EnrollmentToken: "other"})
		assert.Equal(t, apierr.KindConflict, apierr.KindOf(err))

		_, err = store.Register(ctx, Device{SerialNumber: "SN-000"})
		assert.Equal(t, apierr.KindBadRequest, apierr.KindOf(err))

		found, err := store.Find(ctx, "SN-001")
		require.NoError(t, err)
		assert.Equal(t, "abc123", found.EnrollmentToken)
		require.NotNil(t, found.ParkingID)
		assert.Equal(t, "P-7", *found.ParkingID)

		_, err = store.Find(ctx, "SN-404")
		assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
	})

	t.Run("lifecycle", func(t *testing.T) {
		_, err := store.Register(ctx, Device{SerialNumber: "SN-002", EnrollmentToken: "t2"})
		require.NoError(t, err)

		notAfter := time.Now().Add(90 * 24 * time.Hour).UTC().Truncate(time.Second)
		d, err := store.Update(ctx, "SN-002", func(d *Device) error {
			now := time.Now().UTC()
			d.Status = StatusActive
			d.CertSerial = "a1"
			d.CertNotAfter = &notAfter
			d.IssuedAt = &now
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusActive, d.Status)

		// renewal keeps the device active with a new serial
		_, err = store.Update(ctx, "SN-002", func(d *Device) error {
			d.CertSerial = "a2"
			return nil
		})
		require.NoError(t, err)

		// active devices cannot go back to pending
		_, err = store.Update(ctx, "SN-002", func(d *Device) error {
			d.Status = StatusPending
			return nil
		})
		assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))

		// errors of the update function abort the update
		_, err = store.Update(ctx, "SN-002", func(d *Device) error {
			d.CertSerial = "a3"
			return apierr.New(apierr.KindInvalidCSR, "bad csr")
		})
		assert.Equal(t, apierr.KindInvalidCSR, apierr.KindOf(err))
		found, err := store.Find(ctx, "SN-002")
		require.NoError(t, err)
		assert.Equal(t, "a2", found.CertSerial)

		issuances, err := store.Issuances(ctx, "SN-002")
		require.NoError(t, err)
		require.Len(t, issuances, 2)
		assert.Equal(t, "a1", issuances[0].CertSerial)
		assert.True(t, notAfter.Equal(issuances[0].NotAfter))
		assert.Equal(t, "a2", issuances[1].CertSerial)

		d, err = store.Update(ctx, "SN-002", func(d *Device) error {
			d.Status = StatusRevoked
			d.RevocationReason = "keyCompromise"
			return nil
		})
		require.NoError(t, err)
		assert.NotNil(t, d.RevokedAt)
		assert.Equal(t, "a2", d.CertSerial, "cert serial is retained after revocation")

		// revoked is terminal
		_, err = store.Update(ctx, "SN-002", func(d *Device) error {
			d.Status = StatusActive
			return nil
		})
		assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))

		err = store.Delete(ctx, "SN-002")
		assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))

		_, err = store.UpdateAttributes(ctx, "SN-002", Attributes{})
		assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))
	})

	t.Run("serial collision", func(t *testing.T) {
		_, err := store.Register(ctx, Device{SerialNumber: "SN-003", EnrollmentToken: "t3"})
		require.NoError(t, err)
		_, err = store.Update(ctx, "SN-003", func(d *Device) error {
			d.Status = StatusActive
			d.CertSerial = "a1"
			return nil
		})
		assert.Equal(t, apierr.KindSerialCollision, apierr.KindOf(err))
		found, err := store.Find(ctx, "SN-003")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, found.Status, "a collision leaves the device untouched")
	})

	t.Run("list and revoked in registration order", func(t *testing.T) {
		for _, sn := range []string{"SN-010", "SN-011", "SN-012"} {
			_, err := store.Register(ctx, Device{SerialNumber: sn, EnrollmentToken: "t"})
			require.NoError(t, err)
		}
		for _, sn := range []string{"SN-012", "SN-010"} {
			_, err := store.Update(ctx, sn, func(d *Device) error {
				d.Status = StatusRevoked
				return nil
			})
			require.NoError(t, err)
		}
		revoked, err := store.ListRevoked(ctx)
		require.NoError(t, err)
		var serials []string
		for _, d := range revoked {
			serials = append(serials, d.SerialNumber)
		}
		assert.Equal(t, []string{"SN-002", "SN-010", "SN-012"}, serials)

		all, err := store.List(ctx)
		require.NoError(t, err)
		serials = nil
		for _, d := range all {
			serials = append(serials, d.SerialNumber)
		}
		assert.Equal(t, []string{"SN-001", "SN-002", "SN-003", "SN-010", "SN-011", "SN-012"}, serials)
	})

	t.Run("attributes and delete", func(t *testing.T) {
		token := "new-token"
		empty := ""
		d, err := store.UpdateAttributes(ctx, "SN-001", Attributes{EnrollmentToken: &token, ParkingID: &empty})
		require.NoError(t, err)
		assert.Nil(t, d.ParkingID)
		assert.Equal(t, StatusPending, d.Status)
		found, err := store.Find(ctx, "SN-001")
		require.NoError(t, err)
		assert.Equal(t, "new-token", found.EnrollmentToken)

		_, err = store.UpdateAttributes(ctx, "SN-001", Attributes{EnrollmentToken: &empty})
		assert.Equal(t, apierr.KindBadRequest, apierr.KindOf(err))

		require.NoError(t, store.Delete(ctx, "SN-011"))
		_, err = store.Find(ctx, "SN-011")
		assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
		assert.Equal(t, apierr.KindNotFound, apierr.KindOf(store.Delete(ctx, "SN-011")))
		_, err = store.Issuances(ctx, "SN-011")
		assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
	})

	t.Run("registering a deleted serial again starts a fresh ledger", func(t *testing.T) {
		_, err := store.Register(ctx, Device{SerialNumber: "SN-030", EnrollmentToken: "t"})
		require.NoError(t, err)
		_, err = store.Update(ctx, "SN-030", func(d *Device) error {
			d.Status = StatusActive
			d.CertSerial = "e1"
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "SN-030"))

		_, err = store.Register(ctx, Device{SerialNumber: "SN-030", EnrollmentToken: "t"})
		require.NoError(t, err)
		issuances, err := store.Issuances(ctx, "SN-030")
		require.NoError(t, err)
		assert.Empty(t, issuances)

		// serials of the deleted registration are still taken
		_, err = store.Update(ctx, "SN-030", func(d *Device) error {
			d.Status = StatusActive
			d.CertSerial = "e1"
			return nil
		})
		assert.Equal(t, apierr.KindSerialCollision, apierr.KindOf(err))

		_, err = store.Update(ctx, "SN-030", func(d *Device) error {
			d.Status = StatusActive
			d.CertSerial = "e2"
			return nil
		})
		require.NoError(t, err)
		issuances, err = store.Issuances(ctx, "SN-030")
		require.NoError(t, err)
		require.Len(t, issuances, 1)
		assert.Equal(t, "e2", issuances[0].CertSerial)
	})

	t.Run("concurrent activation has one winner", func(t *testing.T) {
		_, err := store.Register(ctx, Device{SerialNumber: "SN-020", EnrollmentToken: "t"})
		require.NoError(t, err)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []error
		)
		for _, certSerial := range []string{"c1", "c2", "c3", "c4"} {
			wg.Add(1)
			go func(certSerial string) {
				defer wg.Done()
				_, err := store.Update(ctx, "SN-020", func(d *Device) error {
					if d.Status != StatusPending {
						return apierr.New(apierr.KindForbidden, "already provisioned")
					}
					d.Status = StatusActive
					d.CertSerial = certSerial
					return nil
				})
				mu.Lock()
				results = append(results, err)
				mu.Unlock()
			}(certSerial)
		}
		wg.Wait()
		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else {
				assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))
			}
		}
		assert.Equal(t, 1, winners)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatusPending, StatusActive))
	assert.NoError(t, ValidateTransition(StatusActive, StatusActive))
	assert.NoError(t, ValidateTransition(StatusActive, StatusRevoked))
	assert.NoError(t, ValidateTransition(StatusPending, StatusRevoked))
	assert.Error(t, ValidateTransition(StatusActive, StatusPending))
	assert.Error(t, ValidateTransition(StatusRevoked, StatusActive))
	assert.Error(t, ValidateTransition(StatusRevoked, StatusRevoked))
}

func TestApplyUpdateGuards(t *testing.T) {
	current := Device{SerialNumber: "SN-1", Status: StatusActive, CertSerial: "ff"}

	_, _, err := applyUpdate(current, func(d *Device) error {
		d.SerialNumber = "SN-2"
		return nil
	})
	assert.Equal(t, apierr.KindBadRequest, apierr.KindOf(err))

	_, _, err = applyUpdate(current, func(d *Device) error {
		d.CertSerial = ""
		return nil
	})
	assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))

	_, _, err = applyUpdate(current, func(d *Device) error {
		d.Status = StatusRevoked
		d.CertSerial = "fe"
		return nil
	})
	assert.Equal(t, apierr.KindForbidden, apierr.KindOf(err))

	updated, newCert, err := applyUpdate(current, func(d *Device) error {
		d.CertSerial = "fe"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, newCert)
	assert.Equal(t, "fe", updated.CertSerial)
}

func TestSerialFormatting(t *testing.T) {
	d := Device{}
	_, ok := d.CertSerialInt()
	assert.False(t, ok)

	d.CertSerial = "0aff"
	serial, ok := d.CertSerialInt()
	require.True(t, ok)
	assert.Equal(t, int64(0xaff), serial.Int64())
	assert.Equal(t, "aff", FormatSerial(serial))
}
