package keypool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/omkar-sarwat/Qumail-sub003/dbx"
	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/keysource"
)

// PostgresStore is the durable PoolStore. Per-principal exclusivity is a row
// lock on the principal (SELECT ... FOR UPDATE) taken at the start of every
// mutating transaction, so two concurrent reservations against the same pool
// serialize while different pools proceed independently.
type PostgresStore struct {
	db     *sql.DB
	limits Limits
	source keysource.Source
	escrow Escrow
	log    *slog.Logger
}

// NewPostgresStore opens the database, applies migrations, and returns the
// store. The escrow may be nil.
func NewPostgresStore(ctx context.Context, dsn string, limits Limits, source keysource.Source, escrow Escrow, log *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{db: db, limits: limits, source: source, escrow: escrow, log: log}, nil
}

const principalColumns = `id, label, contact, active, home, target_size, max_keys, key_size,
	low_watermark, emergency_watermark, last_sync, created_at, deactivated_at`

func scanPrincipal(row interface{ Scan(...any) error }) (interfaces.Principal, error) {
	var p interfaces.Principal
	var lastSync, deactivated sql.NullTime
	err := row.Scan(&p.ID, &p.Label, &p.Contact, &p.Active, &p.Home,
		&p.Pool.TargetSize, &p.Pool.MaxKeys, &p.Pool.KeySize,
		&p.Pool.LowWatermark, &p.Pool.EmergencyWatermark,
		&lastSync, &p.CreatedAt, &deactivated)
	if err != nil {
		return interfaces.Principal{}, err
	}
	if deactivated.Valid {
		t := deactivated.Time
		p.DeactivatedAt = &t
	}
	return p, nil
}

func (s *PostgresStore) CreatePrincipal(ctx context.Context, p interfaces.Principal) (interfaces.Principal, error) {
	if err := p.Pool.Validate(); err != nil {
		return interfaces.Principal{}, err
	}
	if !s.limits.allows(p.Pool.KeySize) {
		return interfaces.Principal{}, interfaces.ErrInvalidSize
	}

	p.Active = true
	p.CreatedAt = time.Now().UTC()
	p.DeactivatedAt = nil

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, label, contact, active, home, target_size, max_keys, key_size,
			low_watermark, emergency_watermark, created_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Label, p.Contact, p.Home, p.Pool.TargetSize, p.Pool.MaxKeys, p.Pool.KeySize,
		p.Pool.LowWatermark, p.Pool.EmergencyWatermark, p.CreatedAt)
	if err != nil {
		return interfaces.Principal{}, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return interfaces.Principal{}, fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return interfaces.Principal{}, interfaces.ErrDuplicatePrincipal
	}
	return p, nil
}

func (s *PostgresStore) Principal(ctx context.Context, id string) (interfaces.Principal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.Principal{}, interfaces.ErrUnknownPrincipal
	}
	return p, err
}

func (s *PostgresStore) Principals(ctx context.Context) ([]interfaces.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+principalColumns+` FROM principals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []interfaces.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeactivatePrincipal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET active = FALSE, deactivated_at = now()
		WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already inactive; distinguish for the caller.
		if _, err := s.Principal(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// lockPrincipal takes the per-principal exclusive section inside tx and
// returns the locked principal row.
func lockPrincipal(ctx context.Context, tx dbx.DBTX, id string) (interfaces.Principal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.Principal{}, interfaces.ErrUnknownPrincipal
	}
	return p, err
}

func (s *PostgresStore) GenerateKeys(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	var out []interfaces.KeyRecord
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		p, err := lockPrincipal(ctx, tx, owner)
		if err != nil {
			return err
		}
		if !p.Active {
			return interfaces.ErrPrincipalInactive
		}
		if size == 0 {
			size = p.Pool.KeySize
		}
		if !s.limits.allows(size) || size != p.Pool.KeySize {
			return interfaces.ErrInvalidSize
		}

		var total int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM key_records WHERE owner_id = $1`, owner).Scan(&total); err != nil {
			return err
		}
		if total+count > p.Pool.MaxKeys {
			return interfaces.ErrPoolCapacityExceeded
		}

		var nextSeq uint64
		if err := tx.QueryRowContext(ctx,
			`SELECT next_sequence FROM principals WHERE id = $1`, owner).Scan(&nextSeq); err != nil {
			return err
		}

		now := time.Now().UTC()
		out = make([]interfaces.KeyRecord, 0, count)
		for i := 0; i < count; i++ {
			material, err := s.source.Material(size)
			if err != nil {
				return err
			}
			rec := interfaces.KeyRecord{
				ID:          interfaces.NewKeyID(owner, nextSeq),
				Owner:       owner,
				Material:    material,
				Size:        size,
				Status:      interfaces.KeyStatusUnused,
				Replication: interfaces.ReplicationPending,
				CreatedAt:   now,
			}
			nextSeq++
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO key_records (id, owner_id, material, size, status, replication, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.ID, rec.Owner, rec.Material, rec.Size, rec.Status, rec.Replication, rec.CreatedAt); err != nil {
				return err
			}
			out = append(out, rec)
		}

		_, err = tx.ExecContext(ctx, `UPDATE principals SET next_sequence = $1 WHERE id = $2`, nextSeq, owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.escrowPut(ctx, out)
	return out, nil
}

func (s *PostgresStore) ImportReplica(ctx context.Context, records []interfaces.KeyRecord) (int, error) {
	byOwner := map[string][]interfaces.KeyRecord{}
	for _, rec := range records {
		byOwner[rec.Owner] = append(byOwner[rec.Owner], rec)
	}

	imported := 0
	for owner, recs := range byOwner {
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			if _, err := lockPrincipal(ctx, tx, owner); err != nil {
				return err
			}
			for _, rec := range recs {
				res, err := tx.ExecContext(ctx, `
					INSERT INTO key_records (id, owner_id, material, size, status, replication, created_at)
					VALUES ($1, $2, $3, $4, 'UNUSED', 'replicated', $5)
					ON CONFLICT (id) DO NOTHING`,
					rec.ID, rec.Owner, rec.Material, rec.Size, rec.CreatedAt)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n > 0 {
					imported++
				}
			}
			return nil
		})
		if err != nil {
			return imported, err
		}
	}
	return imported, nil
}

func (s *PostgresStore) ReserveForCounterpart(ctx context.Context, owner, requester string, count int) ([]interfaces.KeyRecord, error) {
	var out []interfaces.KeyRecord
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		p, err := lockPrincipal(ctx, tx, owner)
		if err != nil {
			return err
		}
		if !p.Active {
			return interfaces.ErrPrincipalInactive
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, material, size, created_at FROM key_records
			WHERE owner_id = $1 AND status = 'UNUSED' AND replication = 'replicated'
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE`, owner, count)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		out = out[:0]
		for rows.Next() {
			rec := interfaces.KeyRecord{
				Owner:       owner,
				Status:      interfaces.KeyStatusReserved,
				Replication: interfaces.ReplicationReplicated,
				ReservedAt:  &now,
				ReservedFor: requester,
			}
			if err := rows.Scan(&rec.ID, &rec.Material, &rec.Size, &rec.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			out = append(out, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// All-or-nothing: roll the transaction back rather than reserve a
		// partial batch.
		if len(out) < count {
			return &interfaces.InsufficientKeysError{Owner: owner, Requested: count, Available: len(out)}
		}

		for _, rec := range out {
			if _, err := tx.ExecContext(ctx, `
				UPDATE key_records SET status = 'RESERVED', reserved_at = $1, reserved_for = $2
				WHERE id = $3`, now, requester, rec.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Consume(ctx context.Context, owner string, ids []interfaces.KeyID, consumer string) ([]interfaces.ConsumeResult, error) {
	results := make([]interfaces.ConsumeResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.consumeOne(ctx, owner, id, consumer))
	}
	return results, nil
}

// consumeOne runs a single-key transaction: the row lock on the key record
// makes the UNUSED/RESERVED -> CONSUMED transition linearizable, so exactly
// one caller ever observes success for a given identifier.
func (s *PostgresStore) consumeOne(ctx context.Context, owner string, id interfaces.KeyID, consumer string) interfaces.ConsumeResult {
	res := interfaces.ConsumeResult{ID: id}
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var rec interfaces.KeyRecord
		rec.ID = id
		var material []byte
		row := tx.QueryRowContext(ctx, `
			SELECT owner_id, material, size, status, created_at FROM key_records
			WHERE id = $1
			FOR UPDATE`, id)
		if err := row.Scan(&rec.Owner, &material, &rec.Size, &rec.Status, &rec.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return interfaces.ErrUnknownKey
			}
			return err
		}
		if rec.Owner != owner {
			return interfaces.ErrNotOwned
		}
		if rec.Status.Terminal() {
			return &interfaces.KeyNotUsableError{ID: id, State: rec.Status}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE key_records
			SET status = 'CONSUMED', material = NULL, consumed_at = $1, consumed_by = $2
			WHERE id = $3`, now, consumer, id); err != nil {
			return err
		}

		rec.Status = interfaces.KeyStatusConsumed
		rec.Material = material
		rec.ConsumedAt = &now
		rec.ConsumedBy = consumer
		res.Record = &rec
		return nil
	})
	if err != nil {
		res.Err = err
		res.Record = nil
		return res
	}
	s.escrowDelete(ctx, []interfaces.KeyID{id})
	return res
}

func (s *PostgresStore) MarkReplication(ctx context.Context, owner string, ids []interfaces.KeyID, status interfaces.ReplicationStatus) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := lockPrincipal(ctx, tx, owner); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE key_records SET replication = $1
				WHERE id = $2 AND owner_id = $3`, status, id, owner); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) UnreplicatedKeys(ctx context.Context, owner string, limit int) ([]interfaces.KeyRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, material, size, replication, created_at FROM key_records
		WHERE owner_id = $1 AND status = 'UNUSED' AND replication <> 'replicated'
		ORDER BY created_at, id
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := []interfaces.KeyRecord{}
	for rows.Next() {
		rec := interfaces.KeyRecord{Owner: owner, Status: interfaces.KeyStatusUnused}
		if err := rows.Scan(&rec.ID, &rec.Material, &rec.Size, &rec.Replication, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PoolSummary(ctx context.Context, owner string) (interfaces.PoolSummary, error) {
	if _, err := s.Principal(ctx, owner); err != nil {
		return interfaces.PoolSummary{}, err
	}

	var total, available int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'UNUSED' AND replication = 'replicated')
		FROM key_records WHERE owner_id = $1`, owner).Scan(&total, &available)
	if err != nil {
		return interfaces.PoolSummary{}, fmt.Errorf("db error: %w", err)
	}

	summary := interfaces.PoolSummary{
		Owner:     owner,
		Total:     total,
		Used:      total - available,
		Available: available,
	}
	row := s.db.QueryRowContext(ctx, `SELECT last_sync FROM principals WHERE id = $1`, owner)
	var lastSync sql.NullTime
	if err := row.Scan(&lastSync); err == nil && lastSync.Valid {
		t := lastSync.Time
		summary.LastSync = &t
	}
	return summary, nil
}

func (s *PostgresStore) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE key_records
		SET status = 'EXPIRED', material = NULL
		WHERE status = 'RESERVED' AND reserved_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var expired []interfaces.KeyID
	for rows.Next() {
		var id interfaces.KeyID
		if err := rows.Scan(&id); err != nil {
			return len(expired), err
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return len(expired), err
	}
	s.escrowDelete(ctx, expired)
	return len(expired), nil
}

func (s *PostgresStore) RecordSyncTicket(ctx context.Context, t interfaces.SyncTicket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_tickets (id, principal_id, trigger_source, started_at, finished_at, keys_pulled, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			keys_pulled = EXCLUDED.keys_pulled,
			outcome = EXCLUDED.outcome,
			error = EXCLUDED.error`,
		t.ID, t.Principal, t.Trigger, t.StartedAt, t.FinishedAt, t.KeysPulled, t.Outcome, nullString(t.Error))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) SyncTickets(ctx context.Context, owner string, limit int) ([]interfaces.SyncTicket, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, trigger_source, started_at, finished_at, keys_pulled, outcome, COALESCE(error, '')
		FROM sync_tickets
		WHERE principal_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := []interfaces.SyncTicket{}
	for rows.Next() {
		var t interfaces.SyncTicket
		var finished sql.NullTime
		if err := rows.Scan(&t.ID, &t.Principal, &t.Trigger, &t.StartedAt, &finished, &t.KeysPulled, &t.Outcome, &t.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			ft := finished.Time
			t.FinishedAt = &ft
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneSyncTickets(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_tickets WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) SetLastSync(ctx context.Context, owner string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE principals SET last_sync = $1 WHERE id = $2`, at.UTC(), owner)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return interfaces.ErrUnknownPrincipal
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) escrowPut(ctx context.Context, records []interfaces.KeyRecord) {
	if s.escrow == nil {
		return
	}
	for _, rec := range records {
		if err := s.escrow.Put(ctx, rec.ID, rec.Material); err != nil {
			s.log.Warn("Escrow write failed", "err", err, slog.String("keyID", rec.ID.String()))
		}
	}
}

func (s *PostgresStore) escrowDelete(ctx context.Context, ids []interfaces.KeyID) {
	if s.escrow == nil {
		return
	}
	for _, id := range ids {
		if err := s.escrow.Delete(ctx, id); err != nil {
			s.log.Warn("Escrow delete failed", "err", err, slog.String("keyID", id.String()))
		}
	}
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
