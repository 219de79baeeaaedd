package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sweeney/floodgate/internal/breaker"
)

// Row is one vendor measurement row.
type Row struct {
	DeviceIP  string
	Value     float64
	EventTime time.Time
}

// Source yields the earliest row for a device newer than a watermark.
type Source interface {
	Next(ctx context.Context, ip string, after time.Time) (Row, bool, error)
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type next struct {
	row   Row
	found bool
}

// SQLSource reads vendor rows from a table with columns
// (device_ip, value, event_time) through a circuit breaker.
type SQLSource struct {
	db    *sql.DB
	table string
	query string
	cb    *gobreaker.CircuitBreaker[next]
}

// NewSQLSource creates a source over table, which must be a plain
// identifier.
func NewSQLSource(db *sql.DB, table string, s breaker.Settings) (*SQLSource, error) {
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("poller: invalid table name %q", table)
	}
	return &SQLSource{
		db:    db,
		table: table,
		query: `SELECT device_ip, value, event_time FROM ` + table +
			` WHERE device_ip = ? AND event_time > ? ORDER BY event_time ASC LIMIT 1`,
		cb: breaker.New[next]("poll:"+table, s),
	}, nil
}

// EnsureTable creates the vendor table when it does not exist yet.
func (s *SQLSource) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		device_ip VARCHAR NOT NULL,
		value DOUBLE NOT NULL,
		event_time TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLSource) Next(ctx context.Context, ip string, after time.Time) (Row, bool, error) {
	res, err := s.cb.Execute(func() (next, error) {
		var r Row
		err := s.db.QueryRowContext(ctx, s.query, ip, after.UTC()).Scan(&r.DeviceIP, &r.Value, &r.EventTime)
		if errors.Is(err, sql.ErrNoRows) {
			return next{}, nil
		}
		if err != nil {
			return next{}, err
		}
		r.EventTime = r.EventTime.UTC()
		return next{row: r, found: true}, nil
	})
	if err != nil {
		return Row{}, false, fmt.Errorf("poll %s for %s: %w", s.table, ip, err)
	}
	return res.row, res.found, nil
}
