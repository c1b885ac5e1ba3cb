// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	order    []string
	ledger   map[string]Issuance
	byDevice map[string][]string
}

// NewMemoryStore returns a Store which keeps everything in memory
func NewMemoryStore() Store {
	return &memoryStore{
		devices:  make(map[string]*Device),
		ledger:   make(map[string]Issuance),
		byDevice: make(map[string][]string),
	}
}

func (s *memoryStore) Register(ctx context.Context, d Device) (*Device, error) {
	if err := validateNew(&d); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.SerialNumber]; ok {
		return nil, errConflict(d.SerialNumber)
	}
	d.Status = StatusPending
	d.CertSerial = ""
	d.CertNotAfter, d.IssuedAt, d.RenewedAt, d.RevokedAt = nil, nil, nil, nil
	d.RevocationReason = ""
	d.CreatedAt = time.Now().UTC()
	stored := d
	s.devices[d.SerialNumber] = &stored
	s.order = append(s.order, d.SerialNumber)
	return &d, nil
}

func (s *memoryStore) Find(ctx context.Context, serialNumber string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[serialNumber]
	if !ok {
		return nil, errNotFound(serialNumber)
	}
	found := *d
	return &found, nil
}

func (s *memoryStore) list(filter func(*Device) bool) []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := []Device{}
	for _, serialNumber := range s.order {
		if d := s.devices[serialNumber]; filter(d) {
			devices = append(devices, *d)
		}
	}
	return devices
}

func (s *memoryStore) List(ctx context.Context) ([]Device, error) {
	return s.list(func(*Device) bool { return true }), nil
}

func (s *memoryStore) ListRevoked(ctx context.Context) ([]Device, error) {
	return s.list(func(d *Device) bool { return d.Status == StatusRevoked }), nil
}

func (s *memoryStore) Update(ctx context.Context, serialNumber string, fn func(*Device) error) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.devices[serialNumber]
	if !ok {
		return nil, errNotFound(serialNumber)
	}
	updated, newCert, err := applyUpdate(*current, fn)
	if err != nil {
		return nil, err
	}
	if newCert {
		if _, issued := s.ledger[updated.CertSerial]; issued {
			return nil, errCollision(updated.CertSerial)
		}
		issuance := Issuance{
			CertSerial:   updated.CertSerial,
			SerialNumber: serialNumber,
			IssuedAt:     time.Now().UTC(),
		}
		if updated.CertNotAfter != nil {
			issuance.NotAfter = *updated.CertNotAfter
		}
		s.ledger[updated.CertSerial] = issuance
		s.byDevice[serialNumber] = append(s.byDevice[serialNumber], updated.CertSerial)
	}
	stored := updated
	s.devices[serialNumber] = &stored
	return &updated, nil
}

func (s *memoryStore) UpdateAttributes(ctx context.Context, serialNumber string, attrs Attributes) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.devices[serialNumber]
	if !ok {
		return nil, errNotFound(serialNumber)
	}
	updated := *current
	if err := applyAttributes(&updated, attrs); err != nil {
		return nil, err
	}
	stored := updated
	s.devices[serialNumber] = &stored
	return &updated, nil
}

func (s *memoryStore) Delete(ctx context.Context, serialNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[serialNumber]
	if !ok {
		return errNotFound(serialNumber)
	}
	if d.Status == StatusRevoked {
		return errDeleteRevoked(serialNumber)
	}
	// the ledger keeps the serials for collision detection, a new registration
	// starts with an empty history
	delete(s.devices, serialNumber)
	delete(s.byDevice, serialNumber)
	for i, sn := range s.order {
		if sn == serialNumber {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memoryStore) Issuances(ctx context.Context, serialNumber string) ([]Issuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.devices[serialNumber]; !ok {
		return nil, errNotFound(serialNumber)
	}
	issuances := []Issuance{}
	for _, certSerial := range s.byDevice[serialNumber] {
		issuances = append(issuances, s.ledger[certSerial])
	}
	return issuances, nil
}
