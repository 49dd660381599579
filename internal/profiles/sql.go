package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"sbc-router/internal/resources"
)

// NOTE: The routing database exposes a set-returning function:
//
//	<schema>.<function>(remote_ip, remote_port, local_ip, local_port, from, to, ruri, call_id)
//
// returning one row per candidate profile, ordered by rank. Ranking is owned by
// the database; this package only maps rows.

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var ErrInvalidIdentifier = errors.New("profiles: invalid schema or function name")

// SQLSource looks profiles up through the routing function.
type SQLSource struct {
	db      *sql.DB
	query   string
	timeout time.Duration
}

func NewSQLSource(db *sql.DB, schema, function string, timeout time.Duration) (*SQLSource, error) {
	if !identRe.MatchString(schema) || !identRe.MatchString(function) {
		return nil, ErrInvalidIdentifier
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	q := fmt.Sprintf(`
SELECT id, destination, next_hop, resources, disconnect_code_id,
       aleg_override_id, bleg_override_id, time_limit, ringing_timeout
FROM %s.%s($1, $2, $3, $4, $5, $6, $7, $8)
`, schema, function)
	return &SQLSource{db: db, query: q, timeout: timeout}, nil
}

type profileRow struct {
	ID             int64
	Destination    sql.NullString
	NextHop        sql.NullString
	Resources      sql.NullString
	RefuseCode     sql.NullInt64
	ALegOverrideID sql.NullInt64
	BLegOverrideID sql.NullInt64
	// seconds
	TimeLimit      sql.NullInt64
	RingingTimeout sql.NullInt64
}

func (r profileRow) profile() (Profile, error) {
	rl, err := resources.ParseList(r.Resources.String)
	if err != nil {
		return Profile{}, fmt.Errorf("profiles: profile %d: %w", r.ID, err)
	}
	p := Profile{
		ID:             r.ID,
		Destination:    r.Destination.String,
		NextHop:        r.NextHop.String,
		Resources:      rl,
		RefuseCode:     int(r.RefuseCode.Int64),
		ALegOverrideID: int(r.ALegOverrideID.Int64),
		BLegOverrideID: int(r.BLegOverrideID.Int64),
		TimeLimit:      time.Duration(r.TimeLimit.Int64) * time.Second,
		RingingTimeout: time.Duration(r.RingingTimeout.Int64) * time.Second,
	}
	if !p.IsRefusal() && p.Destination == "" {
		return Profile{}, fmt.Errorf("profiles: profile %d has neither destination nor refuse code", r.ID)
	}
	return p, nil
}

func (s *SQLSource) Lookup(ctx context.Context, req Request) ([]Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.query,
		req.RemoteIP, req.RemotePort, req.LocalIP, req.LocalPort,
		req.From, req.To, req.RURI, req.CallID,
	)
	if err != nil {
		return nil, fmt.Errorf("profiles: lookup: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var r profileRow
		if err := rows.Scan(
			&r.ID,
			&r.Destination,
			&r.NextHop,
			&r.Resources,
			&r.RefuseCode,
			&r.ALegOverrideID,
			&r.BLegOverrideID,
			&r.TimeLimit,
			&r.RingingTimeout,
		); err != nil {
			return nil, fmt.Errorf("profiles: scan: %w", err)
		}
		p, err := r.profile()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profiles: lookup: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoProfiles
	}
	return out, nil
}
