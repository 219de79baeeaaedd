package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/floodgate/internal/model"
)

const deviceColumns = `id, ip, model, port, name, location, threshold, ground_value,
	water_level, last_data_time, use_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var (
		d        model.Device
		devModel string
		lastData sql.NullTime
	)
	err := row.Scan(&d.ID, &d.IP, &devModel, &d.Port, &d.Name, &d.Location,
		&d.ThresholdMeters, &d.GroundReferenceMm, &d.CurrentLevelMeters, &lastData, &d.UseStatus)
	if err != nil {
		return model.Device{}, err
	}
	d.Model = model.DeviceModel(devModel)
	if lastData.Valid {
		d.LastDataTime = lastData.Time.UTC()
	}
	return d, nil
}

// UpsertDevice inserts a device or updates the one with the same address.
// It returns the device id.
func (s *Store) UpsertDevice(ctx context.Context, d model.Device) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO water_level_device (ip, model, port, name, location, threshold, ground_value, use_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ip) DO UPDATE SET
			model = excluded.model,
			port = excluded.port,
			name = excluded.name,
			location = excluded.location,
			threshold = excluded.threshold,
			ground_value = excluded.ground_value,
			use_status = excluded.use_status
		RETURNING id`,
		d.IP, string(d.Model), d.Port, d.Name, d.Location, d.ThresholdMeters, d.GroundReferenceMm, d.UseStatus,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert device %s: %w", d.IP, err)
	}
	return id, nil
}

// DeviceByIP looks a device up by its network address.
func (s *Store) DeviceByIP(ctx context.Context, ip string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM water_level_device WHERE ip = ?`, ip)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("device %s: %w", ip, err)
	}
	return d, nil
}

// DevicesByModel lists the devices of one ingestion family ordered by id.
func (s *Store) DevicesByModel(ctx context.Context, m model.DeviceModel) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM water_level_device WHERE model = ? ORDER BY id`, string(m))
	if err != nil {
		return nil, fmt.Errorf("list %s devices: %w", m, err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ThresholdMm returns the device threshold in millimeters.
func (s *Store) ThresholdMm(ctx context.Context, ip string) (float64, error) {
	var meters float64
	err := s.db.QueryRowContext(ctx,
		`SELECT threshold FROM water_level_device WHERE ip = ?`, ip).Scan(&meters)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("threshold %s: %w", ip, err)
	}
	return meters * 1000, nil
}

// UpdateDeviceLevel stores the latest level (meters) and its timestamp.
func (s *Store) UpdateDeviceLevel(ctx context.Context, ip string, meters float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE water_level_device SET water_level = ?, last_data_time = ? WHERE ip = ?`,
		meters, at.UTC(), ip)
	if err != nil {
		return fmt.Errorf("update level %s: %w", ip, err)
	}
	return expectRow(res)
}

// SetUseStatus marks a device usable or not.
func (s *Store) SetUseStatus(ctx context.Context, ip string, use bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE water_level_device SET use_status = ? WHERE ip = ?`, use, ip)
	if err != nil {
		return fmt.Errorf("set use_status %s: %w", ip, err)
	}
	return expectRow(res)
}

// SetGroundReference stores a new ground reference for a device.
func (s *Store) SetGroundReference(ctx context.Context, ip string, mm int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE water_level_device SET ground_value = ? WHERE ip = ?`, mm, ip)
	if err != nil {
		return fmt.Errorf("set ground %s: %w", ip, err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
