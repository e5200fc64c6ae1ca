package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// PollingTarget is one row of the polling_targets table.
type PollingTarget struct {
	ID           int64     `json:"id"`
	DeviceID     string    `json:"device_id"`
	RegisterType string    `json:"register_type"`
	Address      int       `json:"address"`
	Count        int       `json:"count"`
	IsActive     bool      `json:"is_active"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Target converts the row to the runtime polling target.
func (t PollingTarget) Target() domain.PollingTarget {
	return domain.PollingTarget{
		ID:           t.ID,
		DeviceID:     t.DeviceID,
		RegisterType: domain.RegisterType(t.RegisterType),
		Address:      t.Address,
		Count:        t.Count,
		IsActive:     t.IsActive,
		Description:  t.Description,
	}
}

// Validate checks the row against the target ranges before persisting.
func (t PollingTarget) Validate() error {
	return t.Target().Validate()
}

const targetColumns = `id, device_id, register_type, address, count,
	is_active, description, created_at, updated_at`

func scanTarget(row interface{ Scan(...interface{}) error }) (PollingTarget, error) {
	var t PollingTarget
	err := row.Scan(&t.ID, &t.DeviceID, &t.RegisterType, &t.Address, &t.Count,
		&t.IsActive, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) listTargets(ctx context.Context, where string, args ...interface{}) ([]PollingTarget, error) {
	rows, err := s.query(ctx,
		"SELECT "+targetColumns+" FROM polling_targets "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, domain.DependencyError("failed to query polling targets", err)
	}
	defer rows.Close()

	var targets []PollingTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, domain.DependencyError("failed to scan polling target", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.DependencyError("failed to iterate polling targets", err)
	}
	return targets, nil
}

// ListPollingTargets returns all targets, including inactive ones.
func (s *Store) ListPollingTargets(ctx context.Context) ([]PollingTarget, error) {
	return s.listTargets(ctx, "")
}

// ListActivePollingTargets returns only active targets, ordered by id.
// The poller reads this every cycle, so the order is the poll order.
func (s *Store) ListActivePollingTargets(ctx context.Context) ([]PollingTarget, error) {
	return s.listTargets(ctx, "WHERE is_active = ?", true)
}

// ListPollingTargetsByDevice returns the device's active targets.
func (s *Store) ListPollingTargetsByDevice(ctx context.Context, deviceID string) ([]PollingTarget, error) {
	return s.listTargets(ctx, "WHERE device_id = ? AND is_active = ?", deviceID, true)
}

// ActiveTargets returns the active targets as runtime values in poll
// order. This is the poller's per-cycle snapshot.
func (s *Store) ActiveTargets(ctx context.Context) ([]domain.PollingTarget, error) {
	rows, err := s.ListActivePollingTargets(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]domain.PollingTarget, 0, len(rows))
	for _, row := range rows {
		targets = append(targets, row.Target())
	}
	return targets, nil
}

// GetPollingTarget returns a target by id.
func (s *Store) GetPollingTarget(ctx context.Context, id int64) (PollingTarget, error) {
	row := s.queryRow(ctx,
		"SELECT "+targetColumns+" FROM polling_targets WHERE id = ?", id)

	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PollingTarget{}, domain.NotFoundf("polling target %d not found", id)
	}
	if err != nil {
		return PollingTarget{}, domain.DependencyError("failed to load polling target", err)
	}
	return t, nil
}

// CreatePollingTarget inserts a new target. The referenced device must
// exist; the foreign key is validated in the application per schema
// policy.
func (s *Store) CreatePollingTarget(ctx context.Context, t PollingTarget) (PollingTarget, error) {
	if err := t.Validate(); err != nil {
		return PollingTarget{}, err
	}
	if _, err := s.GetDevice(ctx, t.DeviceID); err != nil {
		return PollingTarget{}, err
	}

	ts := now()
	t.CreatedAt = ts
	t.UpdatedAt = ts
	t.IsActive = true

	const insert = `INSERT INTO polling_targets
		(device_id, register_type, address, count, is_active, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if s.driver == driverPostgres {
		row := s.queryRow(ctx, insert+" RETURNING id",
			t.DeviceID, t.RegisterType, t.Address, t.Count, t.IsActive,
			t.Description, t.CreatedAt, t.UpdatedAt)
		if err := row.Scan(&t.ID); err != nil {
			return PollingTarget{}, domain.DependencyError("failed to insert polling target", err)
		}
		return t, nil
	}

	res, err := s.exec(ctx, insert,
		t.DeviceID, t.RegisterType, t.Address, t.Count, t.IsActive,
		t.Description, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return PollingTarget{}, domain.DependencyError("failed to insert polling target", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return PollingTarget{}, domain.DependencyError("failed to insert polling target", err)
	}
	return t, nil
}

// PollingTargetUpdate carries the mutable target fields; nil means
// unchanged.
type PollingTargetUpdate struct {
	RegisterType *string `json:"register_type"`
	Address      *int    `json:"address"`
	Count        *int    `json:"count"`
	Description  *string `json:"description"`
}

// UpdatePollingTarget applies the non-nil fields and bumps updated_at.
func (s *Store) UpdatePollingTarget(ctx context.Context, id int64, upd PollingTargetUpdate) (PollingTarget, error) {
	t, err := s.GetPollingTarget(ctx, id)
	if err != nil {
		return PollingTarget{}, err
	}

	if upd.RegisterType != nil {
		t.RegisterType = *upd.RegisterType
	}
	if upd.Address != nil {
		t.Address = *upd.Address
	}
	if upd.Count != nil {
		t.Count = *upd.Count
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if err := t.Validate(); err != nil {
		return PollingTarget{}, err
	}

	t.UpdatedAt = now()
	_, err = s.exec(ctx, `UPDATE polling_targets SET
		register_type = ?, address = ?, count = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		t.RegisterType, t.Address, t.Count, t.Description, t.UpdatedAt, t.ID)
	if err != nil {
		return PollingTarget{}, domain.DependencyError("failed to update polling target", err)
	}
	return t, nil
}

// DeletePollingTarget soft-deletes: the row persists with
// is_active=false.
func (s *Store) DeletePollingTarget(ctx context.Context, id int64) error {
	return s.setTargetActive(ctx, id, false)
}

// ActivatePollingTarget re-enables a soft-deleted target.
func (s *Store) ActivatePollingTarget(ctx context.Context, id int64) error {
	return s.setTargetActive(ctx, id, true)
}

func (s *Store) setTargetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.exec(ctx,
		"UPDATE polling_targets SET is_active = ?, updated_at = ? WHERE id = ?",
		active, now(), id)
	if err != nil {
		return domain.DependencyError("failed to update polling target", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.DependencyError("failed to update polling target", err)
	}
	if affected == 0 {
		return domain.NotFoundf("polling target %d not found", id)
	}
	return nil
}
