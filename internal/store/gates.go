package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sweeney/floodgate/internal/model"
)

const gateColumns = `g.site_id, g.name, g.gate_ip, g.gate_status, g.controller_model, g.speaker_ip`

func scanGate(row rowScanner) (model.GateSite, error) {
	var (
		g               model.GateSite
		status, dialect string
	)
	if err := row.Scan(&g.SiteID, &g.Name, &g.GateIP, &status, &dialect, &g.SpeakerIP); err != nil {
		return model.GateSite{}, err
	}
	g.GateStatus = model.GateStatus(status)
	g.ControllerModel = model.ControllerModel(dialect)
	return g, nil
}

func (s *Store) queryGates(ctx context.Context, query string, args ...any) ([]model.GateSite, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GateSite
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertGate inserts or replaces a gate site.
func (s *Store) UpsertGate(ctx context.Context, g model.GateSite) error {
	status := g.GateStatus
	if status == "" {
		status = model.GateOpen
	}
	dialect := g.ControllerModel
	if dialect == "" {
		dialect = model.ControllerStandard
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_site (site_id, name, gate_ip, gate_status, controller_model, speaker_ip)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id) DO UPDATE SET
			name = excluded.name,
			gate_ip = excluded.gate_ip,
			gate_status = excluded.gate_status,
			controller_model = excluded.controller_model,
			speaker_ip = excluded.speaker_ip`,
		g.SiteID, g.Name, g.GateIP, string(status), string(dialect), g.SpeakerIP)
	if err != nil {
		return fmt.Errorf("upsert gate %d: %w", g.SiteID, err)
	}
	return nil
}

// Gate returns one gate site.
func (s *Store) Gate(ctx context.Context, siteID int64) (model.GateSite, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gateColumns+` FROM gate_site g WHERE g.site_id = ?`, siteID)
	g, err := scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GateSite{}, ErrNotFound
	}
	if err != nil {
		return model.GateSite{}, fmt.Errorf("gate %d: %w", siteID, err)
	}
	return g, nil
}

// Gates lists every gate site.
func (s *Store) Gates(ctx context.Context) ([]model.GateSite, error) {
	out, err := s.queryGates(ctx, `SELECT `+gateColumns+` FROM gate_site g ORDER BY g.site_id`)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	return out, nil
}

// OpenGatesForDevice returns the open gates bound to a device through an
// enabled binding.
func (s *Store) OpenGatesForDevice(ctx context.Context, deviceID int64) ([]model.GateSite, error) {
	out, err := s.queryGates(ctx, `
		SELECT `+gateColumns+`
		FROM auto_control_binding b
		JOIN gate_site g ON g.site_id = b.site_id
		WHERE b.water_level_id = ? AND b.enabled AND g.gate_status = 'open'
		ORDER BY g.site_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("open gates for device %d: %w", deviceID, err)
	}
	return out, nil
}

// OpenGatesForGroup returns the open gates bound, through an enabled
// binding, to any member of the group. Each gate appears once.
func (s *Store) OpenGatesForGroup(ctx context.Context, groupID int64) ([]model.GateSite, error) {
	out, err := s.queryGates(ctx, `
		SELECT `+gateColumns+`
		FROM gate_site g
		WHERE g.gate_status = 'open' AND g.site_id IN (
			SELECT b.site_id
			FROM auto_control_binding b
			JOIN water_level_group_member m ON m.device_id = b.water_level_id
			WHERE m.group_id = ? AND b.enabled
		)
		ORDER BY g.site_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("open gates for group %d: %w", groupID, err)
	}
	return out, nil
}

// ClaimGate atomically flips an open gate to closed. It reports false when
// the gate was no longer open, meaning another run already claimed it.
func (s *Store) ClaimGate(ctx context.Context, siteID int64) (bool, error) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE gate_site SET gate_status = 'closed' WHERE site_id = ? AND gate_status = 'open'`, siteID)
	if err != nil {
		return false, fmt.Errorf("claim gate %d: %w", siteID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim gate %d: %w", siteID, err)
	}
	return n == 1, nil
}

// SetGateStatus writes a gate status unconditionally.
func (s *Store) SetGateStatus(ctx context.Context, siteID int64, status model.GateStatus) error {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE gate_site SET gate_status = ? WHERE site_id = ?`, string(status), siteID)
	if err != nil {
		return fmt.Errorf("set gate %d status: %w", siteID, err)
	}
	return expectRow(res)
}
