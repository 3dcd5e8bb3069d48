package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/callsight/callsight/internal/database/models"
)

// smdrRepo implements SmdrRepository.
type smdrRepo struct {
	db *DB
}

// NewSmdrRepository creates a new SmdrRepository.
func NewSmdrRepository(db *DB) SmdrRepository {
	return &smdrRepo{db: db}
}

const smdrColumns = `id, raw, call_start, connected_seconds, ring_seconds, caller,
	direction, called_number, dialled_number, account, is_internal, call_id,
	party1_device, party1_name, party2_device, party2_name, hold_seconds,
	park_seconds, auth_code, call_charge, currency, external_targeting_cause,
	reconciled, reconciled_at, matched_call_id, created_at`

// Create persists the typed fields plus the raw line and fills in rec.ID.
func (r *smdrRepo) Create(ctx context.Context, rec *models.SmdrRecord) error {
	rec.CreatedAt = time.Now().UTC()
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO smdr_records (raw, call_start, connected_seconds, ring_seconds,
		 caller, direction, called_number, dialled_number, account, is_internal,
		 call_id, party1_device, party1_name, party2_device, party2_name,
		 hold_seconds, park_seconds, auth_code, call_charge, currency,
		 external_targeting_cause, reconciled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		rec.Raw, rec.CallStart, rec.ConnectedSecs, rec.RingSecs,
		rec.Caller, rec.Direction, rec.CalledNumber, rec.DialledNumber, rec.Account,
		rec.IsInternal, rec.CallID, rec.Party1Device, rec.Party1Name,
		rec.Party2Device, rec.Party2Name, rec.HoldSecs, rec.ParkSecs,
		rec.AuthCode, rec.CallCharge, rec.Currency, rec.ExternalTargetingCause,
		rec.Reconciled, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("inserting smdr record: %w", err)
	}
	return nil
}

// GetByID retrieves an SMDR record by its database id.
func (r *smdrRepo) GetByID(ctx context.Context, id int64) (*models.SmdrRecord, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+smdrColumns+` FROM smdr_records WHERE id = ?`), id)
	rec, err := scanSmdr(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting smdr record %d: %w", id, err)
	}
	return rec, nil
}

// MarkReconciled flags a record as matched to an internal call row.
func (r *smdrRepo) MarkReconciled(ctx context.Context, id int64, matchedCallID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE smdr_records SET reconciled = ?, reconciled_at = ?, matched_call_id = ?
		 WHERE id = ?`),
		true, at.UTC(), matchedCallID, id)
	if err != nil {
		return fmt.Errorf("marking smdr record %d reconciled: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSmdr(row rowScanner) (*models.SmdrRecord, error) {
	var rec models.SmdrRecord
	err := row.Scan(&rec.ID, &rec.Raw, &rec.CallStart, &rec.ConnectedSecs,
		&rec.RingSecs, &rec.Caller, &rec.Direction, &rec.CalledNumber,
		&rec.DialledNumber, &rec.Account, &rec.IsInternal, &rec.CallID,
		&rec.Party1Device, &rec.Party1Name, &rec.Party2Device, &rec.Party2Name,
		&rec.HoldSecs, &rec.ParkSecs, &rec.AuthCode, &rec.CallCharge,
		&rec.Currency, &rec.ExternalTargetingCause, &rec.Reconciled,
		&rec.ReconciledAt, &rec.MatchedCallID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
