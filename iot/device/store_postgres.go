// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relabs-tech/fleetca/core/csql"
)

const (
	deviceTable   = "device"
	issuanceTable = "device_certificate"
	deviceColumns = `serial_number, enrollment_token, status, cert_serial, cert_not_after, parking_id,
issued_at, renewed_at, revoked_at, revocation_reason, created_at`
)

type postgresStore struct {
	db *csql.DB
}

// NewPostgresStore returns a Store on a postgres database. It creates the sql
// relations if they do not exist.
func NewPostgresStore(db *csql.DB) (Store, error) {
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Table(deviceTable) + `
(serial_number varchar NOT NULL,
seq bigserial,
enrollment_token varchar NOT NULL,
status varchar NOT NULL,
cert_serial varchar,
cert_not_after timestamptz,
parking_id varchar,
issued_at timestamptz,
renewed_at timestamptz,
revoked_at timestamptz,
revocation_reason varchar,
created_at timestamptz NOT NULL,
PRIMARY KEY(serial_number)
);
CREATE table IF NOT EXISTS ` + db.Table(issuanceTable) + `
(cert_serial varchar NOT NULL,
serial_number varchar NOT NULL,
not_after timestamptz,
issued_at timestamptz NOT NULL,
PRIMARY KEY(cert_serial)
);
CREATE index IF NOT EXISTS device_certificate_serial_number ON ` + db.Table(issuanceTable) + `(serial_number);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create device tables: %w", err)
	}
	return &postgresStore{db: db}, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d                                   Device
		status                              string
		certSerial, parkingID, reason       sql.NullString
		certNotAfter, issued, renewed, revd sql.NullTime
	)
	err := row.Scan(&d.SerialNumber, &d.EnrollmentToken, &status, &certSerial, &certNotAfter, &parkingID,
		&issued, &renewed, &revd, &reason, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.CertSerial = certSerial.String
	d.RevocationReason = reason.String
	if parkingID.Valid {
		d.ParkingID = &parkingID.String
	}
	d.CertNotAfter = timePtr(certNotAfter)
	d.IssuedAt = timePtr(issued)
	d.RenewedAt = timePtr(renewed)
	d.RevokedAt = timePtr(revd)
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *postgresStore) Register(ctx context.Context, d Device) (*Device, error) {
	if err := validateNew(&d); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO `+s.db.Table(deviceTable)+`
(serial_number, enrollment_token, status, parking_id, created_at)
VALUES($1,$2,$3,$4,$5)
RETURNING `+deviceColumns+`;`,
		d.SerialNumber, d.EnrollmentToken, string(StatusPending), nullStringPtr(d.ParkingID), time.Now().UTC())
	registered, err := scanDevice(row)
	if csql.IsUniqueViolation(err) {
		return nil, errConflict(d.SerialNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot register device %s: %w", d.SerialNumber, err)
	}
	return registered, nil
}

func (s *postgresStore) Find(ctx context.Context, serialNumber string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM `+s.db.Table(deviceTable)+` WHERE serial_number=$1;`, serialNumber))
	if err == csql.ErrNoRows {
		return nil, errNotFound(serialNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read device %s: %w", serialNumber, err)
	}
	return d, nil
}

func (s *postgresStore) query(ctx context.Context, where string, args ...interface{}) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM `+s.db.Table(deviceTable)+` `+where+` ORDER BY seq;`, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list devices: %w", err)
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *postgresStore) List(ctx context.Context) ([]Device, error) {
	return s.query(ctx, "")
}

func (s *postgresStore) ListRevoked(ctx context.Context) ([]Device, error) {
	return s.query(ctx, "WHERE status=$1", string(StatusRevoked))
}

func (s *postgresStore) Update(ctx context.Context, serialNumber string, fn func(*Device) error) (*Device, error) {
	var result *Device
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		current, err := scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM `+s.db.Table(deviceTable)+` WHERE serial_number=$1 FOR UPDATE;`,
			serialNumber))
		if err == csql.ErrNoRows {
			return errNotFound(serialNumber)
		}
		if err != nil {
			return fmt.Errorf("cannot lock device %s: %w", serialNumber, err)
		}
		updated, newCert, err := applyUpdate(*current, fn)
		if err != nil {
			return err
		}
		if newCert {
			_, err = tx.ExecContext(ctx, `INSERT INTO `+s.db.Table(issuanceTable)+`
(cert_serial, serial_number, not_after, issued_at) VALUES($1,$2,$3,$4);`,
				updated.CertSerial, serialNumber, nullTime(updated.CertNotAfter), time.Now().UTC())
			if csql.IsUniqueViolation(err) {
				return errCollision(updated.CertSerial)
			}
			if err != nil {
				return fmt.Errorf("cannot record issuance for %s: %w", serialNumber, err)
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE `+s.db.Table(deviceTable)+`
SET enrollment_token=$2, status=$3, cert_serial=$4, cert_not_after=$5, parking_id=$6,
issued_at=$7, renewed_at=$8, revoked_at=$9, revocation_reason=$10
WHERE serial_number=$1;`,
			serialNumber, updated.EnrollmentToken, string(updated.Status), nullString(updated.CertSerial),
			nullTime(updated.CertNotAfter), nullStringPtr(updated.ParkingID), nullTime(updated.IssuedAt),
			nullTime(updated.RenewedAt), nullTime(updated.RevokedAt), nullString(updated.RevocationReason))
		if err != nil {
			return fmt.Errorf("cannot update device %s: %w", serialNumber, err)
		}
		result = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *postgresStore) UpdateAttributes(ctx context.Context, serialNumber string, attrs Attributes) (*Device, error) {
	var result *Device
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		d, err := scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM `+s.db.Table(deviceTable)+` WHERE serial_number=$1 FOR UPDATE;`,
			serialNumber))
		if err == csql.ErrNoRows {
			return errNotFound(serialNumber)
		}
		if err != nil {
			return fmt.Errorf("cannot lock device %s: %w", serialNumber, err)
		}
		if err = applyAttributes(d, attrs); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE `+s.db.Table(deviceTable)+`
SET enrollment_token=$2, parking_id=$3 WHERE serial_number=$1;`,
			serialNumber, d.EnrollmentToken, nullStringPtr(d.ParkingID))
		if err != nil {
			return fmt.Errorf("cannot update device %s: %w", serialNumber, err)
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *postgresStore) Delete(ctx context.Context, serialNumber string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM `+s.db.Table(deviceTable)+` WHERE serial_number=$1 FOR UPDATE;`,
			serialNumber).Scan(&status)
		if err == csql.ErrNoRows {
			return errNotFound(serialNumber)
		}
		if err != nil {
			return fmt.Errorf("cannot lock device %s: %w", serialNumber, err)
		}
		if Status(status) == StatusRevoked {
			return errDeleteRevoked(serialNumber)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM `+s.db.Table(deviceTable)+` WHERE serial_number=$1;`, serialNumber)
		return err
	})
}

func (s *postgresStore) Issuances(ctx context.Context, serialNumber string) ([]Issuance, error) {
	d, err := s.Find(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	// issuances of an earlier, deleted registration of the same serial are not listed
	rows, err := s.db.QueryContext(ctx, `SELECT cert_serial, serial_number, not_after, issued_at FROM `+
		s.db.Table(issuanceTable)+` WHERE serial_number=$1 AND issued_at>=$2 ORDER BY issued_at, cert_serial;`,
		serialNumber, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("cannot list issuances of %s: %w", serialNumber, err)
	}
	defer rows.Close()
	issuances := []Issuance{}
	for rows.Next() {
		var (
			i        Issuance
			notAfter sql.NullTime
		)
		if err = rows.Scan(&i.CertSerial, &i.SerialNumber, &notAfter, &i.IssuedAt); err != nil {
			return nil, err
		}
		if notAfter.Valid {
			i.NotAfter = notAfter.Time.UTC()
		}
		i.IssuedAt = i.IssuedAt.UTC()
		issuances = append(issuances, i)
	}
	return issuances, rows.Err()
}
