package signing

import "errors"

// All of these are deterministic business-rule rejections, surfaced to the
// caller as-is and never retried by the engine.
var (
	// ErrRequestNotFound is returned when no signing request exists for the identifier.
	ErrRequestNotFound = errors.New("signing: request not found")
	// ErrInvalidState signals the operation is not legal for the current status.
	ErrInvalidState = errors.New("signing: operation not allowed in current state")
	// ErrRequestClosed signals the request already reached a terminal state.
	ErrRequestClosed = errors.New("signing: request is closed")
	// ErrNotYourTurn covers both an already-signed signer and a sequential order violation.
	ErrNotYourTurn = errors.New("signing: signer is not eligible to sign now")
	// ErrDuplicateActiveRequest signals another non-terminal request exists for the document.
	ErrDuplicateActiveRequest = errors.New("signing: document already has an active signing request")
	// ErrForbidden signals the actor is not the request owner.
	ErrForbidden = errors.New("signing: actor is not the request owner")
	// ErrValidation signals malformed input or evidence.
	ErrValidation = errors.New("signing: invalid input")
)
