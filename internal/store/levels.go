package store

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/sweeney/floodgate/internal/model"
)

// InsertLevelLog appends a level-log row and returns it with its id. The
// level is stored rounded to millimeter precision.
func (s *Store) InsertLevelLog(ctx context.Context, entry model.LevelLog) (model.LevelLog, error) {
	meters, err := strconv.ParseFloat(entry.WaterLevel, 64)
	if err != nil {
		return model.LevelLog{}, fmt.Errorf("level log %s: bad level %q: %w", entry.DeviceIP, entry.WaterLevel, err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO water_level_log (device_ip, water_level, source_type, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		entry.DeviceIP, math.Round(meters*1000)/1000, string(entry.Source), entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return model.LevelLog{}, fmt.Errorf("insert level log %s: %w", entry.DeviceIP, err)
	}
	return entry, nil
}

// RecentLevelLogs returns up to limit rows for a device, newest first.
func (s *Store) RecentLevelLogs(ctx context.Context, ip string, limit int) ([]model.LevelLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_ip, water_level, source_type, created_at
		FROM water_level_log WHERE device_ip = ?
		ORDER BY id DESC LIMIT ?`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("level logs %s: %w", ip, err)
	}
	defer rows.Close()

	var out []model.LevelLog
	for rows.Next() {
		var (
			e      model.LevelLog
			meters float64
			source string
		)
		if err := rows.Scan(&e.ID, &e.DeviceIP, &meters, &source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan level log: %w", err)
		}
		e.WaterLevel = model.FormatMeters(meters)
		e.Source = model.SourceType(source)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
