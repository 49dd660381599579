package billing

import (
	"context"
	"database/sql"
	"errors"
	"regexp"

	"sbc-router/internal/calls"
	"sbc-router/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - <table>          one row per call attempt, UNIQUE (call_id)
// - <table>_attempts one row per outbound try, FK call_id
//
// The record row and its attempts are inserted in one transaction.

var tableRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

var ErrInvalidTable = errors.New("billing: invalid table name")

type PostgresRepo struct {
	db       *sql.DB
	insert   string
	attempts string
}

func NewPostgresRepo(db *sql.DB, table string) (*PostgresRepo, error) {
	if !tableRe.MatchString(table) {
		return nil, ErrInvalidTable
	}
	return &PostgresRepo{
		db: db,
		insert: `
INSERT INTO ` + table + ` (
  call_id, local_tag, from_number, to_number, remote_ip,
  profile_id, resources, failed_resource, attempts_count,
  disconnect_initiator, internal_code, internal_reason,
  aleg_code, aleg_reason, bleg_code, bleg_reason,
  ringing_timeout, started_at, connected_at, ended_at, duration_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (call_id) DO NOTHING
`,
		attempts: `
INSERT INTO ` + table + `_attempts (
  call_id, attempt, profile_id, destination, failed_resource, reply_code, reply_reason, started_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
	}, nil
}

func (r *PostgresRepo) Insert(ctx context.Context, rec calls.CDR) (bool, error) {
	inserted := false
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var failed sql.NullString
		if rec.FailedResource != nil {
			failed = sql.NullString{String: rec.FailedResource.String(), Valid: true}
		}
		var connected sql.NullTime
		if rec.ConnectedAt != nil {
			connected = sql.NullTime{Time: *rec.ConnectedAt, Valid: true}
		}

		res, err := tx.ExecContext(ctx, r.insert,
			rec.CallID, rec.LocalTag, rec.From, rec.To, rec.RemoteIP,
			rec.ProfileID, rec.Resources, failed, len(rec.Attempts),
			string(rec.Initiator), rec.InternalCode, rec.InternalReason,
			rec.ALegCode, rec.ALegReason, rec.BLegCode, rec.BLegReason,
			rec.RingingTimeout, rec.StartedAt, connected, rec.EndedAt, rec.Duration().Milliseconds(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		inserted = true

		for i, a := range rec.Attempts {
			var af sql.NullString
			if a.FailedResource != nil {
				af = sql.NullString{String: a.FailedResource.String(), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, r.attempts,
				rec.CallID, i+1, a.ProfileID, a.Destination, af, a.ReplyCode, a.ReplyReason, a.StartedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}
