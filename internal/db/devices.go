package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// Device is one row of the modbus_devices table.
type Device struct {
	DeviceID   string    `json:"device_id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	SlaveID    int       `json:"slave_id"`
	Timeout    int       `json:"timeout"`
	Framer     string    `json:"framer"`
	MaxRetries int       `json:"max_retries"`
	RetryDelay float64   `json:"retry_delay"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Config converts the row to the runtime device configuration.
func (d Device) Config() domain.DeviceConfig {
	return domain.DeviceConfig{
		DeviceID:   d.DeviceID,
		Host:       d.Host,
		Port:       d.Port,
		SlaveID:    d.SlaveID,
		Timeout:    time.Duration(d.Timeout) * time.Second,
		Framer:     domain.Framer(strings.ToUpper(d.Framer)),
		MaxRetries: d.MaxRetries,
		RetryDelay: time.Duration(d.RetryDelay * float64(time.Second)),
		IsActive:   d.IsActive,
	}
}

// Validate checks the row against the config ranges before persisting.
func (d Device) Validate() error {
	return d.Config().Validate()
}

const deviceColumns = `device_id, host, port, slave_id, timeout, framer,
	max_retries, retry_delay, is_active, created_at, updated_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (Device, error) {
	var d Device
	err := row.Scan(&d.DeviceID, &d.Host, &d.Port, &d.SlaveID, &d.Timeout,
		&d.Framer, &d.MaxRetries, &d.RetryDelay, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// ListDevices returns all devices, including inactive ones.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.query(ctx, "SELECT "+deviceColumns+" FROM modbus_devices ORDER BY device_id")
	if err != nil {
		return nil, domain.DependencyError("failed to query devices", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, domain.DependencyError("failed to scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.DependencyError("failed to iterate devices", err)
	}
	return devices, nil
}

// ListActiveDevices returns only active devices.
func (s *Store) ListActiveDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.query(ctx,
		"SELECT "+deviceColumns+" FROM modbus_devices WHERE is_active = ? ORDER BY device_id", true)
	if err != nil {
		return nil, domain.DependencyError("failed to query devices", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, domain.DependencyError("failed to scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.DependencyError("failed to iterate devices", err)
	}
	return devices, nil
}

// GetDevice returns a device by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	row := s.queryRow(ctx,
		"SELECT "+deviceColumns+" FROM modbus_devices WHERE device_id = ?", deviceID)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, domain.NotFoundf("device %q not found", deviceID)
	}
	if err != nil {
		return Device{}, domain.DependencyError("failed to load device", err)
	}
	return d, nil
}

// CreateDevice inserts a new device row. A duplicate id is a Conflict.
func (s *Store) CreateDevice(ctx context.Context, d Device) (Device, error) {
	if err := d.Validate(); err != nil {
		return Device{}, err
	}

	if _, err := s.GetDevice(ctx, d.DeviceID); err == nil {
		return Device{}, domain.Conflictf("device %q already exists", d.DeviceID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return Device{}, err
	}

	ts := now()
	d.CreatedAt = ts
	d.UpdatedAt = ts
	d.IsActive = true

	_, err := s.exec(ctx, `INSERT INTO modbus_devices
		(device_id, host, port, slave_id, timeout, framer, max_retries, retry_delay, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.Host, d.Port, d.SlaveID, d.Timeout, d.Framer,
		d.MaxRetries, d.RetryDelay, d.IsActive, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return Device{}, domain.DependencyError("failed to insert device", err)
	}
	return d, nil
}

// DeviceUpdate carries the mutable device fields; nil means unchanged.
type DeviceUpdate struct {
	Host       *string  `json:"host"`
	Port       *int     `json:"port"`
	SlaveID    *int     `json:"slave_id"`
	Timeout    *int     `json:"timeout"`
	Framer     *string  `json:"framer"`
	MaxRetries *int     `json:"max_retries"`
	RetryDelay *float64 `json:"retry_delay"`
}

// UpdateDevice applies the non-nil fields and bumps updated_at.
func (s *Store) UpdateDevice(ctx context.Context, deviceID string, upd DeviceUpdate) (Device, error) {
	d, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}

	if upd.Host != nil {
		d.Host = *upd.Host
	}
	if upd.Port != nil {
		d.Port = *upd.Port
	}
	if upd.SlaveID != nil {
		d.SlaveID = *upd.SlaveID
	}
	if upd.Timeout != nil {
		d.Timeout = *upd.Timeout
	}
	if upd.Framer != nil {
		d.Framer = *upd.Framer
	}
	if upd.MaxRetries != nil {
		d.MaxRetries = *upd.MaxRetries
	}
	if upd.RetryDelay != nil {
		d.RetryDelay = *upd.RetryDelay
	}
	if err := d.Validate(); err != nil {
		return Device{}, err
	}

	d.UpdatedAt = now()
	_, err = s.exec(ctx, `UPDATE modbus_devices SET
		host = ?, port = ?, slave_id = ?, timeout = ?, framer = ?,
		max_retries = ?, retry_delay = ?, updated_at = ?
		WHERE device_id = ?`,
		d.Host, d.Port, d.SlaveID, d.Timeout, d.Framer,
		d.MaxRetries, d.RetryDelay, d.UpdatedAt, d.DeviceID)
	if err != nil {
		return Device{}, domain.DependencyError("failed to update device", err)
	}
	return d, nil
}

// DeleteDevice soft-deletes: the row persists with is_active=false.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	return s.setDeviceActive(ctx, deviceID, false)
}

// ActivateDevice re-enables a soft-deleted device.
func (s *Store) ActivateDevice(ctx context.Context, deviceID string) error {
	return s.setDeviceActive(ctx, deviceID, true)
}

func (s *Store) setDeviceActive(ctx context.Context, deviceID string, active bool) error {
	res, err := s.exec(ctx,
		"UPDATE modbus_devices SET is_active = ?, updated_at = ? WHERE device_id = ?",
		active, now(), deviceID)
	if err != nil {
		return domain.DependencyError("failed to update device", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.DependencyError("failed to update device", err)
	}
	if affected == 0 {
		return domain.NotFoundf("device %q not found", deviceID)
	}
	return nil
}
