package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository is the Postgres-backed store for slots and tokens.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txKey struct{}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *PgRepository) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithTx runs fn inside a single transaction. Reads and writes issued via
// fn's context share it; nested calls join the outer transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgError(err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError translates store-level conflicts into domain errors so the
// retry wrapper can recognise them.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock detected
			return NewError(CodeConcurrentModification, "transaction conflict").WithCause(err)
		case "23505": // unique violation, e.g. (slot_id, token_number)
			return NewError(CodeConcurrentModification, "uniqueness conflict").WithCause(err)
		}
	}
	return err
}

// Helpers

const slotColumns = `id, doctor_id, date, start_time, end_time, specialty,
	max_capacity, current_allocation, emergency_reserved, status,
	last_token_number, version, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.Specialty,
		&s.MaxCapacity,
		&s.CurrentAllocation,
		&s.EmergencyReserved,
		&s.Status,
		&s.LastTokenNumber,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

const tokenColumns = `id, patient_id, doctor_id, slot_id, token_number,
	source, priority, status, metadata, version, created_at, updated_at`

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	var meta []byte

	err := row.Scan(
		&t.ID,
		&t.PatientID,
		&t.DoctorID,
		&t.SlotID,
		&t.TokenNumber,
		&t.Source,
		&t.Priority,
		&t.Status,
		&meta,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode token metadata: %w", err)
		}
	}

	return &t, nil
}

// Slots

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) UpdateSlot(ctx context.Context, s *Slot) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE slots
		SET current_allocation = $2,
		    emergency_reserved = $3,
		    status = $4,
		    last_token_number = $5,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $6
	`, s.ID, s.CurrentAllocation, s.EmergencyReserved, s.Status, s.LastTokenNumber, s.Version)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(CodeConcurrentModification, "slot changed since it was read").
			WithDetail("slot_id", s.ID.String()).
			WithDetail("version", s.Version)
	}

	s.Version++
	return nil
}

func (r *PgRepository) FindCandidateSlots(ctx context.Context, q CandidateQuery) ([]*Slot, error) {
	var (
		conds = []string{"status = 'active'"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.DateFrom.IsZero() {
		conds = append(conds, "date >= "+arg(q.DateFrom))
	}
	if !q.DateTo.IsZero() {
		conds = append(conds, "date <= "+arg(q.DateTo))
	}
	if q.DoctorID != nil {
		conds = append(conds, "doctor_id = "+arg(*q.DoctorID))
	}
	if q.Specialty != "" {
		conds = append(conds, "specialty = "+arg(q.Specialty))
	}
	if len(q.ExcludeSlotIDs) > 0 {
		conds = append(conds, "id != ALL("+arg(q.ExcludeSlotIDs)+")")
	}
	if q.RegularCapacity {
		conds = append(conds, "current_allocation < max_capacity - emergency_reserved")
	} else {
		conds = append(conds, "current_allocation < max_capacity")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	sql := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY date, start_time, id
		LIMIT ` + arg(limit)

	rows, err := r.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var result []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return result, nil
}

// Tokens

func (r *PgRepository) GetToken(ctx context.Context, id uuid.UUID) (*Token, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE id = $1
	`, id)
	return scanToken(row)
}

func (r *PgRepository) GetTokenForUpdate(ctx context.Context, id uuid.UUID) (*Token, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanToken(row)
}

func (r *PgRepository) InsertToken(ctx context.Context, t *Token) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode token metadata: %w", err)
	}

	_, err = r.q(ctx).Exec(ctx, `
		INSERT INTO tokens (id, patient_id, doctor_id, slot_id, token_number,
			source, priority, status, metadata, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)
	`, t.ID, t.PatientID, t.DoctorID, t.SlotID, t.TokenNumber,
		t.Source, t.Priority, t.Status, meta, t.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}

	t.Version = 1
	return nil
}

func (r *PgRepository) UpdateToken(ctx context.Context, t *Token) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode token metadata: %w", err)
	}

	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE tokens
		SET status = $2,
		    priority = $3,
		    metadata = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $5
	`, t.ID, t.Status, t.Priority, meta, t.Version)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(CodeConcurrentModification, "token changed since it was read").
			WithDetail("token_id", t.ID.String()).
			WithDetail("version", t.Version)
	}

	t.Version++
	return nil
}

func (r *PgRepository) ListActiveInSlot(ctx context.Context, slotID uuid.UUID) ([]*Token, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE slot_id = $1
		  AND status IN ('allocated', 'confirmed', 'in_consultation')
		ORDER BY priority ASC, created_at DESC, id DESC
	`, slotID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var result []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return result, nil
}

func (r *PgRepository) FindOverdueTokens(ctx context.Context, now time.Time, grace time.Duration) ([]*Token, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT t.id, t.patient_id, t.doctor_id, t.slot_id, t.token_number,
			t.source, t.priority, t.status, t.metadata, t.version, t.created_at, t.updated_at
		FROM tokens t
		JOIN slots s ON s.id = t.slot_id
		WHERE t.status IN ('allocated', 'confirmed')
		  AND s.date::date + s.end_time::time + $2::interval < $1
	`, now, grace)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var result []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return result, nil
}

func (r *PgRepository) ListTokens(ctx context.Context, q TokenQuery) ([]*Token, error) {
	var (
		conds = []string{"1=1"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.SlotID != nil {
		conds = append(conds, "t.slot_id = "+arg(*q.SlotID))
	}
	if q.DoctorID != nil {
		conds = append(conds, "t.doctor_id = "+arg(*q.DoctorID))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "t.status = ANY("+arg(statuses)+")")
	}
	if !q.DateFrom.IsZero() {
		conds = append(conds, "s.date >= "+arg(q.DateFrom))
	}
	if !q.DateTo.IsZero() {
		conds = append(conds, "s.date <= "+arg(q.DateTo))
	}

	sql := `
		SELECT t.id, t.patient_id, t.doctor_id, t.slot_id, t.token_number,
			t.source, t.priority, t.status, t.metadata, t.version, t.created_at, t.updated_at
		FROM tokens t
		JOIN slots s ON s.id = t.slot_id
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC`

	rows, err := r.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var result []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return result, nil
}
