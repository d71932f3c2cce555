package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the document or version does not exist.
	ErrNotFound = errors.New("document: not found")
	// ErrVersionSealed signals a write against a sealed (fully executed) version.
	ErrVersionSealed = errors.New("document: version is sealed")
	// ErrVersionLocked signals the document is frozen by an active signing request.
	ErrVersionLocked = errors.New("document: active signing request freezes the current version")
)

// Repository provides Postgres access to documents and their versions. It
// also implements the slice the signing engine consumes (VersionForSigning,
// SealVersion).
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const versionColumns = `id, document_id, content_hash, storage_key, page_count, author, sealed_at, created_at`

// Create inserts a document together with its first version in one
// transaction.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Document, Version, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Document{}, Version{}, fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc Document
	err = tx.QueryRow(ctx, `
		INSERT INTO documents (owner_user_id, name)
		VALUES ($1, $2)
		RETURNING id, owner_user_id, name, created_at, updated_at
	`, params.OwnerUserID, params.Name).Scan(&doc.ID, &doc.OwnerUserID, &doc.Name, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, Version{}, fmt.Errorf("document: insert document: %w", err)
	}

	ver, err := insertVersion(ctx, tx, doc.ID, params.ContentHash, params.StorageKey, params.PageCount, params.Author)
	if err != nil {
		return Document{}, Version{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, Version{}, fmt.Errorf("document: commit create: %w", err)
	}
	return doc, ver, nil
}

// AddVersion appends a new revision. Rejected while a non-terminal signing
// request targets the document: starting a signing run freezes the version.
func (r *Repository) AddVersion(ctx context.Context, params AddVersionParams) (Version, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM signing_requests
			WHERE document_id = $1
			  AND status NOT IN ('fully_signed', 'cancelled', 'expired')
		)
	`, params.DocumentID).Scan(&exists)
	if err != nil {
		return Version{}, fmt.Errorf("document: check active request: %w", err)
	}
	if exists {
		return Version{}, ErrVersionLocked
	}

	ver, err := insertVersion(ctx, tx, params.DocumentID, params.ContentHash, params.StorageKey, params.PageCount, params.Author)
	if err != nil {
		return Version{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Version{}, fmt.Errorf("document: commit add version: %w", err)
	}
	return ver, nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, documentID, contentHash, storageKey string, pageCount int, author string) (Version, error) {
	var ver Version
	err := tx.QueryRow(ctx, `
		INSERT INTO document_versions (document_id, content_hash, storage_key, page_count, author)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+versionColumns,
		documentID, contentHash, storageKey, pageCount, author,
	).Scan(&ver.ID, &ver.DocumentID, &ver.ContentHash, &ver.StorageKey, &ver.PageCount, &ver.Author, &ver.SealedAt, &ver.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("document: insert version: %w", err)
	}
	return ver, nil
}

// GetByID fetches a document.
func (r *Repository) GetByID(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, name, created_at, updated_at
		FROM documents WHERE id = $1
	`, id).Scan(&doc.ID, &doc.OwnerUserID, &doc.Name, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("document: get by id: %w", err)
	}
	return doc, nil
}

// GetVersion fetches one version.
func (r *Repository) GetVersion(ctx context.Context, versionID string) (Version, error) {
	var ver Version
	err := r.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id = $1`, versionID).
		Scan(&ver.ID, &ver.DocumentID, &ver.ContentHash, &ver.StorageKey, &ver.PageCount, &ver.Author, &ver.SealedAt, &ver.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, fmt.Errorf("document: get version: %w", err)
	}
	return ver, nil
}

// CurrentVersion returns the newest version of a document.
func (r *Repository) CurrentVersion(ctx context.Context, documentID string) (Version, error) {
	var ver Version
	err := r.pool.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, documentID).Scan(&ver.ID, &ver.DocumentID, &ver.ContentHash, &ver.StorageKey, &ver.PageCount, &ver.Author, &ver.SealedAt, &ver.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, fmt.Errorf("document: current version: %w", err)
	}
	return ver, nil
}

// ListByOwner returns the owner's documents, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]Document, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_user_id, name, created_at, updated_at
		FROM documents
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("document: list: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, limit)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.OwnerUserID, &doc.Name, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("document: scan: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document: iterate: %w", err)
	}
	return docs, nil
}

// VersionForSigning resolves the metadata the signing engine validates
// before opening a request.
func (r *Repository) VersionForSigning(ctx context.Context, versionID string) (documentID, documentName string, sealed bool, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT v.document_id, d.name, v.sealed_at IS NOT NULL
		FROM document_versions v
		JOIN documents d ON d.id = v.document_id
		WHERE v.id = $1
	`, versionID).Scan(&documentID, &documentName, &sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, ErrNotFound
		}
		return "", "", false, fmt.Errorf("document: version for signing: %w", err)
	}
	return documentID, documentName, sealed, nil
}

// SealVersion marks the version read-only inside the caller's transaction.
// Idempotent: an already sealed version keeps its original seal time.
func (r *Repository) SealVersion(ctx context.Context, tx pgx.Tx, versionID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE document_versions
		SET sealed_at = COALESCE(sealed_at, get_tx_timestamp())
		WHERE id = $1
	`, versionID)
	if err != nil {
		return fmt.Errorf("document: seal version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
