package document

import "time"

// Document is the shared asset's paperwork container. Binary content lives
// in external storage; only references and hashes are kept here.
type Document struct {
	ID          string
	OwnerUserID string
	Name        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Version is one immutable revision. SealedAt is set exactly once, when the
// signing request over this version becomes fully executed; a sealed version
// is read-only forever after.
type Version struct {
	ID          string
	DocumentID  string
	ContentHash string
	StorageKey  string
	PageCount   int
	Author      string
	SealedAt    *time.Time
	CreatedAt   time.Time
}

// CreateParams captures a new document with its first version.
type CreateParams struct {
	OwnerUserID string
	Name        string
	ContentHash string
	StorageKey  string
	PageCount   int
	Author      string
}

// AddVersionParams captures a new revision of an existing document.
type AddVersionParams struct {
	DocumentID  string
	ContentHash string
	StorageKey  string
	PageCount   int
	Author      string
}
