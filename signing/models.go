package signing

import "time"

// Mode selects how signers take their turns. It is a tagged variant rather
// than a boolean so future modes (e.g. quorum-of-N) slot in without touching
// the evaluator signature.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// RequestStatus is the aggregate lifecycle state of one signing request.
type RequestStatus string

const (
	StatusDraft           RequestStatus = "draft"
	StatusSentForSigning  RequestStatus = "sent_for_signing"
	StatusPartiallySigned RequestStatus = "partially_signed"
	StatusFullySigned     RequestStatus = "fully_signed"
	StatusCancelled       RequestStatus = "cancelled"
	StatusExpired         RequestStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusFullySigned, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// SignerStatus is the per-party state, disjoint from RequestStatus on purpose.
type SignerStatus string

const (
	SignerAwaitingTurn SignerStatus = "awaiting_turn"
	SignerPending      SignerStatus = "pending"
	SignerSigned       SignerStatus = "signed"
	SignerDeclined     SignerStatus = "declined"
)

// Request mirrors the signing_requests table. Status is persisted for
// constraint enforcement but is always recomputed from the ledger plus the
// due date on read, so the stored value can never drift into truth.
type Request struct {
	ID                string
	DocumentID        string
	DocumentVersionID string
	Mode              Mode
	Status            RequestStatus
	DueDate           *time.Time
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Signer is one invited party. Identity is frozen at request creation; only
// signed_at/declined_at ever change afterwards. Order is meaningful under
// sequential mode and ignored under parallel.
type Signer struct {
	ID         string
	RequestID  string
	Name       string
	Email      string
	Order      int
	SignedAt   *time.Time
	DeclinedAt *time.Time
}

// SignatureEvent is one append-only ledger entry. Seq is monotonic and
// gapless per request; rows are never updated or deleted.
type SignatureEvent struct {
	ID                int64
	RequestID         string
	SignerID          string
	Seq               int
	EvidenceRef       string
	DeviceFingerprint string
	CreatedAt         time.Time
}
