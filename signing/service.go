package signing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"signflow/signertoken"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TokenIssuer is the signer-credential collaborator.
type TokenIssuer interface {
	Issue(ctx context.Context, tx pgx.Tx, signerID, requestID string, ttl time.Duration) (signertoken.Issued, error)
	Verify(ctx context.Context, token string) (signertoken.Claims, error)
	LockForConsume(ctx context.Context, tx pgx.Tx, token string) (signertoken.Claims, error)
	Consume(ctx context.Context, tx pgx.Tx, tokenID string, at time.Time) error
}

// DocumentStore is the slice of the document collaborator the engine needs:
// resolving the targeted version and sealing it once fully executed.
type DocumentStore interface {
	VersionForSigning(ctx context.Context, versionID string) (documentID, documentName string, sealed bool, err error)
	SealVersion(ctx context.Context, tx pgx.Tx, versionID string) error
}

// OutboxWriter enqueues messages for out-of-process delivery (notification
// links, completion fan-out) in the same transaction as the state change.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Outbox topics emitted by the engine.
const (
	TopicRequestCreated    = "signing.request_created"
	TopicLinkIssued        = "signing.link_issued"
	TopicSignatureRecorded = "signing.signature_recorded"
	TopicCompleted         = "signing.completed"
	TopicCancelled         = "signing.cancelled"
)

// Service owns the signing request lifecycle. All mutations run as one
// atomic unit serialized on the request row; reads are lock-free.
type Service struct {
	pool     TxBeginner
	repo     Repository
	tokens   TokenIssuer
	docs     DocumentStore
	outbox   OutboxWriter
	tokenTTL time.Duration
	idGen    func() string
	now      func() time.Time
}

const defaultTokenTTL = 24 * time.Hour

func NewService(pool TxBeginner, repo Repository, tokens TokenIssuer, docs DocumentStore, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		tokens:   tokens,
		docs:     docs,
		outbox:   outbox,
		tokenTTL: defaultTokenTTL,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SignerParams identifies one invited party. Order is taken from slice
// position at creation time.
type SignerParams struct {
	Name  string
	Email string
}

type CreateParams struct {
	DocumentID        string
	DocumentVersionID string
	Mode              Mode
	DueDate           *time.Time
	CreatedBy         string
	Signers           []SignerParams
}

// Create opens a new signing request in draft over a frozen document
// version. Exactly one non-terminal request may exist per document.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.DocumentID == "" || params.DocumentVersionID == "" {
		return Request{}, fmt.Errorf("%w: document and version ids required", ErrValidation)
	}
	if params.CreatedBy == "" {
		return Request{}, fmt.Errorf("%w: creator required", ErrValidation)
	}
	if params.Mode != ModeSequential && params.Mode != ModeParallel {
		return Request{}, fmt.Errorf("%w: unknown signing mode %q", ErrValidation, params.Mode)
	}
	if len(params.Signers) == 0 {
		return Request{}, fmt.Errorf("%w: at least one signer required", ErrValidation)
	}
	if params.DueDate != nil && !params.DueDate.After(s.now()) {
		return Request{}, fmt.Errorf("%w: due date must be in the future", ErrValidation)
	}

	seen := make(map[string]bool, len(params.Signers))
	for _, sp := range params.Signers {
		email := strings.ToLower(strings.TrimSpace(sp.Email))
		if email == "" || strings.TrimSpace(sp.Name) == "" {
			return Request{}, fmt.Errorf("%w: signer name and email required", ErrValidation)
		}
		if seen[email] {
			return Request{}, fmt.Errorf("%w: duplicate signer email %q", ErrValidation, email)
		}
		seen[email] = true
	}

	docID, _, sealed, err := s.docs.VersionForSigning(ctx, params.DocumentVersionID)
	if err != nil {
		return Request{}, err
	}
	if docID != params.DocumentID {
		return Request{}, fmt.Errorf("%w: version does not belong to document", ErrValidation)
	}
	if sealed {
		return Request{}, fmt.Errorf("%w: document version is sealed", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req := Request{
		ID:                s.idGen(),
		DocumentID:        params.DocumentID,
		DocumentVersionID: params.DocumentVersionID,
		Mode:              params.Mode,
		Status:            StatusDraft,
		DueDate:           params.DueDate,
		CreatedBy:         params.CreatedBy,
	}

	signers := make([]Signer, 0, len(params.Signers))
	for i, sp := range params.Signers {
		signers = append(signers, Signer{
			Name:  strings.TrimSpace(sp.Name),
			Email: strings.ToLower(strings.TrimSpace(sp.Email)),
			Order: i + 1,
		})
	}

	created, _, err := s.repo.CreateRequest(ctx, tx, req, signers)
	if err != nil {
		return Request{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":  created.ID,
			"document_id": created.DocumentID,
			"mode":        created.Mode,
			"signers":     len(signers),
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicRequestCreated, payload); err != nil {
			return Request{}, fmt.Errorf("signing: enqueue created: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("signing: commit create: %w", err)
	}

	return created, nil
}

// IssuedLink pairs a signer with their freshly minted single-use token.
type IssuedLink struct {
	SignerID    string
	SignerEmail string
	Token       string
	ExpiresAt   time.Time
}

// SendForSigning moves a draft to sent_for_signing and mints one token per
// signer. The tokens ride the outbox to the notification collaborator;
// returning them also lets automation deliver links directly.
func (s *Service) SendForSigning(ctx context.Context, requestID, actorID string) ([]IssuedLink, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.RequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CreatedBy != actorID {
		return nil, ErrForbidden
	}
	if req.Status != StatusDraft {
		return nil, fmt.Errorf("%w: send-for-signing requires draft, have %s", ErrInvalidState, req.Status)
	}

	signers, err := s.repo.Signers(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: request has no signers", ErrInvalidState)
	}

	links := make([]IssuedLink, 0, len(signers))
	for _, sg := range signers {
		issued, err := s.tokens.Issue(ctx, tx, sg.ID, req.ID, s.tokenTTL)
		if err != nil {
			return nil, err
		}
		links = append(links, IssuedLink{
			SignerID:    sg.ID,
			SignerEmail: sg.Email,
			Token:       issued.Token,
			ExpiresAt:   issued.ExpiresAt,
		})
		if s.outbox != nil {
			payload := map[string]any{
				"request_id":   req.ID,
				"document_id":  req.DocumentID,
				"signer_id":    sg.ID,
				"signer_email": sg.Email,
				"token":        issued.Token,
				"expires_at":   issued.ExpiresAt.UTC(),
			}
			if err := s.outbox.Enqueue(ctx, tx, TopicLinkIssued, payload); err != nil {
				return nil, fmt.Errorf("signing: enqueue link: %w", err)
			}
		}
	}

	if err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, StatusSentForSigning); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("signing: commit send: %w", err)
	}

	return links, nil
}

// VerifyLink is the read-only pre-signing check. It never mutates state and
// takes no locks, so it may run fully concurrently with submissions.
type LinkInfo struct {
	Valid        bool
	RequestID    string
	SignerID     string
	SignerName   string
	DocumentName string
	ExpiresAt    time.Time
}

func (s *Service) VerifyLink(ctx context.Context, documentID, token string) (LinkInfo, error) {
	claims, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return LinkInfo{}, err
	}

	req, err := s.repo.RequestByID(ctx, claims.RequestID)
	if err != nil {
		return LinkInfo{}, err
	}
	if req.DocumentID != documentID {
		return LinkInfo{}, signertoken.ErrTokenNotFound
	}

	// Lazy expiry: a due date in the past invalidates the link even though
	// the stored status has not been swept yet.
	if req.Status.Terminal() || (req.DueDate != nil && s.now().After(*req.DueDate)) {
		return LinkInfo{}, signertoken.ErrTokenOrphaned
	}

	_, docName, _, err := s.docs.VersionForSigning(ctx, req.DocumentVersionID)
	if err != nil {
		return LinkInfo{}, err
	}

	info := LinkInfo{
		Valid:        true,
		RequestID:    req.ID,
		SignerID:     claims.SignerID,
		DocumentName: docName,
		ExpiresAt:    claims.ExpiresAt,
	}
	signers, err := s.repo.Signers(ctx, req.ID)
	if err != nil {
		return LinkInfo{}, err
	}
	for _, sg := range signers {
		if sg.ID == claims.SignerID {
			info.SignerName = sg.Name
			break
		}
	}
	return info, nil
}

type SubmitParams struct {
	DocumentID        string
	Token             string
	EvidenceRef       string
	DeviceFingerprint string
}

// SubmitResult is the aggregate the last write observed.
type SubmitResult struct {
	Status      RequestStatus
	SignedCount int
	Total       int
	Progress    int
	IsComplete  bool
}

// Submit records one signature. Verify-eligibility, consume-token,
// append-event and recompute-status form one atomic unit serialized on the
// request row; on any failure nothing is persisted.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if params.Token == "" {
		return SubmitResult{}, fmt.Errorf("%w: token required", ErrValidation)
	}
	if strings.TrimSpace(params.EvidenceRef) == "" {
		return SubmitResult{}, fmt.Errorf("%w: evidence required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	claims, err := s.tokens.LockForConsume(ctx, tx, params.Token)
	if err != nil {
		return SubmitResult{}, err
	}

	req, err := s.repo.RequestForUpdate(ctx, tx, claims.RequestID)
	if err != nil {
		return SubmitResult{}, err
	}
	if req.DocumentID != params.DocumentID {
		return SubmitResult{}, signertoken.ErrTokenNotFound
	}
	if req.Status.Terminal() {
		return SubmitResult{}, ErrRequestClosed
	}
	if req.Status == StatusDraft {
		return SubmitResult{}, fmt.Errorf("%w: request not sent for signing", ErrInvalidState)
	}

	now := s.now()

	signers, err := s.repo.Signers(ctx, req.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	events, err := s.repo.EventsInTx(ctx, tx, req.ID)
	if err != nil {
		return SubmitResult{}, err
	}

	eval := Evaluate(signers, events, req.Mode, now, req.DueDate)
	if eval.Status == StatusExpired {
		// Touching an overdue request persists the expiry eagerly; lazy
		// evaluation already reported it.
		if err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, StatusExpired); err != nil {
			return SubmitResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return SubmitResult{}, fmt.Errorf("signing: commit expiry: %w", err)
		}
		return SubmitResult{}, ErrRequestClosed
	}

	if !containsID(eval.NextEligible, claims.SignerID) {
		return SubmitResult{}, ErrNotYourTurn
	}

	if err := s.tokens.Consume(ctx, tx, claims.TokenID, now); err != nil {
		return SubmitResult{}, err
	}

	ev, err := s.repo.AppendEvent(ctx, tx, AppendEventParams{
		RequestID:         req.ID,
		SignerID:          claims.SignerID,
		EvidenceRef:       params.EvidenceRef,
		DeviceFingerprint: params.DeviceFingerprint,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if err := s.repo.MarkSignerSigned(ctx, tx, claims.SignerID, now); err != nil {
		return SubmitResult{}, err
	}

	after := Evaluate(signers, append(events, ev), req.Mode, now, req.DueDate)
	if err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, after.Status); err != nil {
		return SubmitResult{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":   req.ID,
			"document_id":  req.DocumentID,
			"signer_id":    claims.SignerID,
			"seq":          ev.Seq,
			"signed_count": after.SignedCount,
			"total":        after.Total,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicSignatureRecorded, payload); err != nil {
			return SubmitResult{}, fmt.Errorf("signing: enqueue recorded: %w", err)
		}
	}

	if after.Status == StatusFullySigned {
		if err := s.docs.SealVersion(ctx, tx, req.DocumentVersionID); err != nil {
			return SubmitResult{}, err
		}
		if s.outbox != nil {
			payload := map[string]any{
				"request_id":  req.ID,
				"document_id": req.DocumentID,
				"version_id":  req.DocumentVersionID,
			}
			if err := s.outbox.Enqueue(ctx, tx, TopicCompleted, payload); err != nil {
				return SubmitResult{}, fmt.Errorf("signing: enqueue completed: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("signing: commit submit: %w", err)
	}

	return SubmitResult{
		Status:      after.Status,
		SignedCount: after.SignedCount,
		Total:       after.Total,
		Progress:    after.Progress,
		IsComplete:  after.Status == StatusFullySigned,
	}, nil
}

// Decline lets a signer refuse via their token. Until product intent says
// otherwise a decline closes the whole request, exactly as an owner cancel
// would.
func (s *Service) Decline(ctx context.Context, documentID, token, reason string) error {
	if token == "" {
		return fmt.Errorf("%w: token required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	claims, err := s.tokens.LockForConsume(ctx, tx, token)
	if err != nil {
		return err
	}

	req, err := s.repo.RequestForUpdate(ctx, tx, claims.RequestID)
	if err != nil {
		return err
	}
	if req.DocumentID != documentID {
		return signertoken.ErrTokenNotFound
	}
	if req.Status.Terminal() {
		return ErrRequestClosed
	}

	now := s.now()
	if err := s.tokens.Consume(ctx, tx, claims.TokenID, now); err != nil {
		return err
	}
	if err := s.repo.MarkSignerDeclined(ctx, tx, claims.SignerID, now); err != nil {
		return err
	}
	if err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, StatusCancelled); err != nil {
		return err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":  req.ID,
			"document_id": req.DocumentID,
			"signer_id":   claims.SignerID,
			"reason":      strings.TrimSpace(reason),
			"declined":    true,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicCancelled, payload); err != nil {
			return fmt.Errorf("signing: enqueue declined: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signing: commit decline: %w", err)
	}
	return nil
}

// Cancel closes any non-terminal request. Owner only; fully signed
// requests can never be cancelled.
func (s *Service) Cancel(ctx context.Context, requestID, actorID string) error {
	if requestID == "" {
		return fmt.Errorf("%w: request id required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.RequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req.CreatedBy != actorID {
		return ErrForbidden
	}
	if req.Status.Terminal() {
		return ErrRequestClosed
	}

	if err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, StatusCancelled); err != nil {
		return err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":  req.ID,
			"document_id": req.DocumentID,
			"actor_id":    actorID,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicCancelled, payload); err != nil {
			return fmt.Errorf("signing: enqueue cancelled: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signing: commit cancel: %w", err)
	}
	return nil
}

// SignerView is one per-party row of the aggregate status.
type SignerView struct {
	SignerID        string
	Name            string
	Email           string
	Status          SignerStatus
	IsPending       bool
	IsCurrentSigner bool
	Order           int
	SignedAt        *time.Time
}

// StatusView is the aggregate reported to callers.
type StatusView struct {
	RequestID   string
	Status      RequestStatus
	Mode        Mode
	DueDate     *time.Time
	SignedCount int
	Total       int
	Progress    int
	Signers     []SignerView
}

// Status reports the current aggregate, always recomputed from the ledger
// snapshot plus now-versus-due-date. The stored status only wins for the
// states the ledger cannot express (draft, explicit cancel).
func (s *Service) Status(ctx context.Context, documentID string) (StatusView, error) {
	req, err := s.repo.LatestRequestForDocument(ctx, documentID)
	if err != nil {
		return StatusView{}, err
	}

	signers, err := s.repo.Signers(ctx, req.ID)
	if err != nil {
		return StatusView{}, err
	}
	events, err := s.repo.Events(ctx, req.ID)
	if err != nil {
		return StatusView{}, err
	}

	eval := Evaluate(signers, events, req.Mode, s.now(), req.DueDate)

	status := eval.Status
	active := true
	switch req.Status {
	case StatusDraft:
		// Not yet sent; nobody is eligible regardless of the ledger. An
		// elapsed due date still expires a draft.
		status = StatusDraft
		if req.DueDate != nil && s.now().After(*req.DueDate) {
			status = StatusExpired
		}
		active = false
	case StatusCancelled:
		status = StatusCancelled
		active = false
	default:
		active = !status.Terminal()
	}

	view := StatusView{
		RequestID:   req.ID,
		Status:      status,
		Mode:        req.Mode,
		DueDate:     req.DueDate,
		SignedCount: eval.SignedCount,
		Total:       eval.Total,
		Progress:    eval.Progress,
		Signers:     make([]SignerView, 0, len(signers)),
	}

	for _, sg := range signers {
		st := eval.SignerStatuses[sg.ID]
		current := active && containsID(eval.NextEligible, sg.ID)
		view.Signers = append(view.Signers, SignerView{
			SignerID:        sg.ID,
			Name:            sg.Name,
			Email:           sg.Email,
			Status:          st,
			IsPending:       st == SignerPending || st == SignerAwaitingTurn,
			IsCurrentSigner: current,
			Order:           sg.Order,
			SignedAt:        sg.SignedAt,
		})
	}

	return view, nil
}

// ExpireOverdue runs the optional periodic sweep.
func (s *Service) ExpireOverdue(ctx context.Context) (int64, error) {
	return s.repo.ExpireOverdue(ctx, s.now())
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
