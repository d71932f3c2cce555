package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the data access the state machine needs. Methods that
// participate in the per-request critical section take the caller's
// transaction; read-only snapshots for status queries go through the pool.
type Repository interface {
	CreateRequest(ctx context.Context, tx pgx.Tx, req Request, signers []Signer) (Request, []Signer, error)
	RequestByID(ctx context.Context, id string) (Request, error)
	RequestForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	LatestRequestForDocument(ctx context.Context, documentID string) (Request, error)
	Signers(ctx context.Context, requestID string) ([]Signer, error)
	Events(ctx context.Context, requestID string) ([]SignatureEvent, error)
	EventsInTx(ctx context.Context, tx pgx.Tx, requestID string) ([]SignatureEvent, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, params AppendEventParams) (SignatureEvent, error)
	MarkSignerSigned(ctx context.Context, tx pgx.Tx, signerID string, at time.Time) error
	MarkSignerDeclined(ctx context.Context, tx pgx.Tx, signerID string, at time.Time) error
	UpdateRequestStatus(ctx context.Context, tx pgx.Tx, requestID string, status RequestStatus) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// AppendEventParams enumerates one ledger append.
type AppendEventParams struct {
	RequestID         string
	SignerID          string
	EvidenceRef       string
	DeviceFingerprint string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, document_id, document_version_id, mode, status, due_date, created_by, created_at, updated_at`

// CreateRequest inserts the request and its frozen signer set. The partial
// unique index on non-terminal requests turns a concurrent duplicate into
// ErrDuplicateActiveRequest.
func (r *PGRepository) CreateRequest(ctx context.Context, tx pgx.Tx, req Request, signers []Signer) (Request, []Signer, error) {
	const insertSQL = `
		INSERT INTO signing_requests (id, document_id, document_version_id, mode, status, due_date, created_by)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		RETURNING ` + requestColumns

	created, err := scanRequest(tx.QueryRow(ctx, insertSQL,
		req.ID,
		req.DocumentID,
		req.DocumentVersionID,
		req.Mode,
		req.Status,
		req.DueDate,
		req.CreatedBy,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Request{}, nil, ErrDuplicateActiveRequest
		}
		return Request{}, nil, fmt.Errorf("signing: insert request: %w", err)
	}

	out := make([]Signer, 0, len(signers))
	const signerSQL = `
		INSERT INTO signers (request_id, full_name, email, sign_order)
		VALUES ($1, $2, $3, $4)
		RETURNING id, request_id, full_name, email, sign_order, signed_at, declined_at
	`
	for _, s := range signers {
		var inserted Signer
		err := tx.QueryRow(ctx, signerSQL, created.ID, s.Name, s.Email, s.Order).Scan(
			&inserted.ID, &inserted.RequestID, &inserted.Name, &inserted.Email,
			&inserted.Order, &inserted.SignedAt, &inserted.DeclinedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return Request{}, nil, fmt.Errorf("signing: duplicate signer %q: %w", s.Email, ErrValidation)
			}
			return Request{}, nil, fmt.Errorf("signing: insert signer: %w", err)
		}
		out = append(out, inserted)
	}

	return created, out, nil
}

func (r *PGRepository) RequestByID(ctx context.Context, id string) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM signing_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("signing: get request: %w", err)
	}
	return req, nil
}

// RequestForUpdate locks the request row, serializing every submit, cancel
// and send for this request while leaving other requests untouched.
func (r *PGRepository) RequestForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM signing_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("signing: lock request: %w", err)
	}
	return req, nil
}

// LatestRequestForDocument returns the most recent request targeting the
// document, terminal or not.
func (r *PGRepository) LatestRequestForDocument(ctx context.Context, documentID string) (Request, error) {
	const query = `
		SELECT ` + requestColumns + `
		FROM signing_requests
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	req, err := scanRequest(r.pool.QueryRow(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("signing: latest request for document: %w", err)
	}
	return req, nil
}

func (r *PGRepository) Signers(ctx context.Context, requestID string) ([]Signer, error) {
	const query = `
		SELECT id, request_id, full_name, email, sign_order, signed_at, declined_at
		FROM signers
		WHERE request_id = $1
		ORDER BY sign_order ASC
	`

	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("signing: list signers: %w", err)
	}
	defer rows.Close()

	signers := make([]Signer, 0, 4)
	for rows.Next() {
		var s Signer
		if err := rows.Scan(&s.ID, &s.RequestID, &s.Name, &s.Email, &s.Order, &s.SignedAt, &s.DeclinedAt); err != nil {
			return nil, fmt.Errorf("signing: scan signer: %w", err)
		}
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signing: iterate signers: %w", err)
	}
	return signers, nil
}

const eventColumns = `id, request_id, signer_id, seq, evidence_ref, device_fingerprint, created_at`

func (r *PGRepository) Events(ctx context.Context, requestID string) ([]SignatureEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM signature_events WHERE request_id = $1 ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("signing: list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsInTx reads the ledger snapshot under the same critical section as an
// append, so the eligibility check and the append see identical state.
func (r *PGRepository) EventsInTx(ctx context.Context, tx pgx.Tx, requestID string) ([]SignatureEvent, error) {
	rows, err := tx.Query(ctx, `SELECT `+eventColumns+` FROM signature_events WHERE request_id = $1 ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("signing: list events in tx: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// AppendEvent writes one ledger entry with the next per-request sequence
// number. Safe because the caller holds the request row lock.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, params AppendEventParams) (SignatureEvent, error) {
	const insertSQL = `
		INSERT INTO signature_events (request_id, signer_id, seq, evidence_ref, device_fingerprint)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4
		FROM signature_events
		WHERE request_id = $1
		RETURNING ` + eventColumns

	var ev SignatureEvent
	err := tx.QueryRow(ctx, insertSQL,
		params.RequestID,
		params.SignerID,
		params.EvidenceRef,
		params.DeviceFingerprint,
	).Scan(&ev.ID, &ev.RequestID, &ev.SignerID, &ev.Seq, &ev.EvidenceRef, &ev.DeviceFingerprint, &ev.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// one event per signer, enforced by the unique index
			return SignatureEvent{}, ErrNotYourTurn
		}
		return SignatureEvent{}, fmt.Errorf("signing: append event: %w", err)
	}
	return ev, nil
}

func (r *PGRepository) MarkSignerSigned(ctx context.Context, tx pgx.Tx, signerID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE signers SET signed_at = $2 WHERE id = $1 AND signed_at IS NULL`, signerID, at.UTC())
	if err != nil {
		return fmt.Errorf("signing: mark signer signed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotYourTurn
	}
	return nil
}

func (r *PGRepository) MarkSignerDeclined(ctx context.Context, tx pgx.Tx, signerID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE signers SET declined_at = $2 WHERE id = $1 AND signed_at IS NULL AND declined_at IS NULL`, signerID, at.UTC())
	if err != nil {
		return fmt.Errorf("signing: mark signer declined: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotYourTurn
	}
	return nil
}

func (r *PGRepository) UpdateRequestStatus(ctx context.Context, tx pgx.Tx, requestID string, status RequestStatus) error {
	if _, err := tx.Exec(ctx, `
		UPDATE signing_requests
		SET status = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, requestID, status); err != nil {
		return fmt.Errorf("signing: update status: %w", err)
	}
	return nil
}

// ExpireOverdue is the optional eager sweep. Lazy evaluation on read is
// authoritative on its own; this only keeps stored rows from lagging.
func (r *PGRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE signing_requests
		SET status = 'expired', updated_at = get_tx_timestamp()
		WHERE due_date IS NOT NULL
		  AND due_date < $1
		  AND status NOT IN ('fully_signed', 'cancelled', 'expired')
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("signing: expire overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.DocumentID,
		&req.DocumentVersionID,
		&req.Mode,
		&req.Status,
		&req.DueDate,
		&req.CreatedBy,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}

func collectEvents(rows pgx.Rows) ([]SignatureEvent, error) {
	events := make([]SignatureEvent, 0, 4)
	for rows.Next() {
		var ev SignatureEvent
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.SignerID, &ev.Seq, &ev.EvidenceRef, &ev.DeviceFingerprint, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("signing: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signing: iterate events: %w", err)
	}
	return events, nil
}
