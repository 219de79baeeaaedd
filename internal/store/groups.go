package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sweeney/floodgate/internal/model"
)

// CreateGroup inserts or replaces a group.
func (s *Store) CreateGroup(ctx context.Context, g model.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO water_level_group (id, name, threshold_mode) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, threshold_mode = excluded.threshold_mode`,
		g.ID, g.Name, string(g.ThresholdMode))
	if err != nil {
		return fmt.Errorf("create group %d: %w", g.ID, err)
	}
	return nil
}

// AddMember records a device's membership of a group.
func (s *Store) AddMember(ctx context.Context, m model.Membership) error {
	role := m.Role
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO water_level_group_member (group_id, device_id, role) VALUES (?, ?, ?)
		ON CONFLICT (group_id, device_id) DO UPDATE SET role = excluded.role`,
		m.GroupID, m.DeviceID, role)
	if err != nil {
		return fmt.Errorf("add member %d to group %d: %w", m.DeviceID, m.GroupID, err)
	}
	return nil
}

// GroupForDevice returns the group a device belongs to. A device in several
// groups resolves to the lowest group id.
func (s *Store) GroupForDevice(ctx context.Context, deviceID int64) (model.Group, error) {
	var (
		g    model.Group
		mode string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT g.id, g.name, g.threshold_mode
		FROM water_level_group g
		JOIN water_level_group_member m ON m.group_id = g.id
		WHERE m.device_id = ?
		ORDER BY g.id LIMIT 1`, deviceID).Scan(&g.ID, &g.Name, &mode)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, ErrNotFound
	}
	if err != nil {
		return model.Group{}, fmt.Errorf("group for device %d: %w", deviceID, err)
	}
	g.ThresholdMode = model.ThresholdMode(mode)
	return g, nil
}

// GroupMembers returns every member's latest level and threshold.
func (s *Store) GroupMembers(ctx context.Context, groupID int64) ([]model.MemberLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.ip, d.water_level, d.threshold
		FROM water_level_group_member m
		JOIN water_level_device d ON d.id = m.device_id
		WHERE m.group_id = ?
		ORDER BY d.id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("members of group %d: %w", groupID, err)
	}
	defer rows.Close()

	var out []model.MemberLevel
	for rows.Next() {
		var m model.MemberLevel
		if err := rows.Scan(&m.DeviceID, &m.IP, &m.LevelMeters, &m.ThresholdMeters); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddBinding inserts or replaces a device-to-gate binding.
func (s *Store) AddBinding(ctx context.Context, b model.Binding) error {
	mode := b.ControlMode
	if mode == "" {
		mode = model.ControlIndividual
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_control_binding (water_level_id, site_id, enabled, control_mode) VALUES (?, ?, ?, ?)
		ON CONFLICT (water_level_id, site_id) DO UPDATE SET
			enabled = excluded.enabled, control_mode = excluded.control_mode`,
		b.WaterLevelID, b.SiteID, b.Enabled, string(mode))
	if err != nil {
		return fmt.Errorf("add binding %d->%d: %w", b.WaterLevelID, b.SiteID, err)
	}
	return nil
}

// BindingsForDevice lists a device's bindings ordered by site id.
func (s *Store) BindingsForDevice(ctx context.Context, deviceID int64) ([]model.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT water_level_id, site_id, enabled, control_mode
		FROM auto_control_binding WHERE water_level_id = ?
		ORDER BY site_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("bindings for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	var out []model.Binding
	for rows.Next() {
		var (
			b    model.Binding
			mode string
		)
		if err := rows.Scan(&b.WaterLevelID, &b.SiteID, &b.Enabled, &mode); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.ControlMode = model.ControlMode(mode)
		out = append(out, b)
	}
	return out, rows.Err()
}
