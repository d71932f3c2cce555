package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"signflow/auth"
	"signflow/document"
	"signflow/signertoken"
	"signflow/signing"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

// Shown for every token-level failure so an unauthenticated caller learns
// nothing about whether a token ever existed.
const invalidLinkMessage = "This signing link is invalid or has expired."

type signingService interface {
	Create(ctx context.Context, params signing.CreateParams) (signing.Request, error)
	SendForSigning(ctx context.Context, requestID, actorID string) ([]signing.IssuedLink, error)
	VerifyLink(ctx context.Context, documentID, token string) (signing.LinkInfo, error)
	Submit(ctx context.Context, params signing.SubmitParams) (signing.SubmitResult, error)
	Decline(ctx context.Context, documentID, token, reason string) error
	Cancel(ctx context.Context, requestID, actorID string) error
	Status(ctx context.Context, documentID string) (signing.StatusView, error)
}

type documentService interface {
	Create(ctx context.Context, params document.CreateParams) (document.Document, document.Version, error)
	AddVersion(ctx context.Context, params document.AddVersionParams) (document.Version, error)
	Get(ctx context.Context, id string) (document.Document, error)
	CurrentVersion(ctx context.Context, documentID string) (document.Version, error)
	List(ctx context.Context, ownerUserID string, limit int) ([]document.Document, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService     authService
	documentService documentService
	signingService  signingService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/documents", s.requireAuth(s.handleDocuments))
	mux.HandleFunc("/api/documents/", s.handleDocumentDetail)
	mux.HandleFunc("/api/signing-requests/", s.requireAuth(s.handleSigningRequestDetail))
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			writeError(w, http.StatusBadRequest, "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)

	switch r.Method {
	case http.MethodPost:
		var req createDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		doc, ver, err := s.documentService.Create(r.Context(), document.CreateParams{
			OwnerUserID: userID,
			Name:        req.Name,
			ContentHash: req.ContentHash,
			StorageKey:  req.StorageKey,
			PageCount:   req.PageCount,
			Author:      req.Author,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, documentResponse{
			ID:               doc.ID,
			Name:             doc.Name,
			CurrentVersionID: ver.ID,
			CreatedAt:        doc.CreatedAt.Format(time.RFC3339),
		})
	case http.MethodGet:
		docs, err := s.documentService.List(r.Context(), userID, 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		items := make([]documentResponse, 0, len(docs))
		for _, doc := range docs {
			items = append(items, documentResponse{
				ID:        doc.ID,
				Name:      doc.Name,
				CreatedAt: doc.CreatedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDocumentDetail fans out /api/documents/{id}[/...] routes. The
// signing verify/submit/decline routes authenticate with the signer token
// itself, never with a login session.
func (s *Server) handleDocumentDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "document id required")
		return
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	docID := parts[0]

	if len(parts) == 1 {
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleGetDocument(w, r, docID)
		})(w, r)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "versions":
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleAddVersion(w, r, docID)
		})(w, r)
	case len(parts) == 2 && parts[1] == "signing-requests":
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleCreateSigningRequest(w, r, docID)
		})(w, r)
	case len(parts) == 2 && parts[1] == "signing":
		writeError(w, http.StatusNotFound, "not found")
	case len(parts) == 3 && parts[1] == "signing" && parts[2] == "status":
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleSignatureStatus(w, r, docID)
		})(w, r)
	case len(parts) == 3 && parts[1] == "signing" && parts[2] == "verify":
		s.handleVerifyToken(w, r, docID)
	case len(parts) == 3 && parts[1] == "signing" && parts[2] == "submit":
		s.handleSubmitSignature(w, r, docID)
	case len(parts) == 3 && parts[1] == "signing" && parts[2] == "decline":
		s.handleDecline(w, r, docID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	doc, err := s.documentService.Get(r.Context(), docID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	resp := documentResponse{
		ID:        doc.ID,
		Name:      doc.Name,
		CreatedAt: doc.CreatedAt.Format(time.RFC3339),
	}
	if ver, err := s.documentService.CurrentVersion(r.Context(), doc.ID); err == nil {
		resp.CurrentVersionID = ver.ID
		resp.Sealed = ver.SealedAt != nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddVersion(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req addVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ver, err := s.documentService.AddVersion(r.Context(), document.AddVersionParams{
		DocumentID:  docID,
		ContentHash: req.ContentHash,
		StorageKey:  req.StorageKey,
		PageCount:   req.PageCount,
		Author:      req.Author,
	})
	if err != nil {
		if errors.Is(err, document.ErrVersionLocked) {
			writeError(w, http.StatusConflict, "document is locked by an active signing request")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, versionResponse{
		ID:          ver.ID,
		ContentHash: ver.ContentHash,
		PageCount:   ver.PageCount,
		CreatedAt:   ver.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleCreateSigningRequest(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)

	var req createSigningRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	signers := make([]signing.SignerParams, 0, len(req.Signers))
	for _, sp := range req.Signers {
		signers = append(signers, signing.SignerParams{Name: sp.Name, Email: sp.Email})
	}

	created, err := s.signingService.Create(r.Context(), signing.CreateParams{
		DocumentID:        docID,
		DocumentVersionID: req.DocumentVersionID,
		Mode:              signing.Mode(req.Mode),
		DueDate:           req.DueDate,
		CreatedBy:         userID,
		Signers:           signers,
	})
	if err != nil {
		writeSigningError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"signingRequestId": created.ID, "status": string(created.Status)})
}

func (s *Server) handleSignatureStatus(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	view, err := s.signingService.Status(r.Context(), docID)
	if err != nil {
		writeSigningError(w, err)
		return
	}

	resp := statusResponse{
		Status:             string(view.Status),
		SignedCount:        view.SignedCount,
		TotalSigners:       view.Total,
		ProgressPercentage: view.Progress,
		SigningMode:        string(view.Mode),
	}
	if view.DueDate != nil {
		due := view.DueDate.Format(time.RFC3339)
		resp.DueDate = &due
	}
	for _, sg := range view.Signers {
		row := signerResponse{
			SignerID:        sg.SignerID,
			SignerName:      sg.Name,
			SignerEmail:     sg.Email,
			Status:          string(sg.Status),
			IsPending:       sg.IsPending,
			IsCurrentSigner: sg.IsCurrentSigner,
			SignatureOrder:  sg.Order,
		}
		if sg.SignedAt != nil {
			at := sg.SignedAt.Format(time.RFC3339)
			row.SignedAt = &at
		}
		resp.Signatures = append(resp.Signatures, row)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}

	info, err := s.signingService.VerifyLink(r.Context(), docID, token)
	if err != nil {
		if isTokenError(err) {
			writeJSON(w, http.StatusOK, verifyResponse{IsValid: false, Message: invalidLinkMessage})
			return
		}
		writeSigningError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		IsValid:      true,
		DocumentName: info.DocumentName,
		SignerName:   info.SignerName,
		ExpiresAt:    info.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleSubmitSignature(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req submitSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.signingService.Submit(r.Context(), signing.SubmitParams{
		DocumentID:        docID,
		Token:             req.Token,
		EvidenceRef:       req.Evidence,
		DeviceFingerprint: req.DeviceInfo,
	})
	if err != nil {
		writeSigningError(w, err)
		return
	}

	message := "Signature recorded."
	if result.IsComplete {
		message = "Signature recorded. The document is now fully executed."
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Message:            message,
		IsComplete:         result.IsComplete,
		Status:             string(result.Status),
		SignedCount:        result.SignedCount,
		TotalSigners:       result.Total,
		ProgressPercentage: result.Progress,
	})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req declineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.signingService.Decline(r.Context(), docID, req.Token, req.Reason); err != nil {
		writeSigningError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Signing request declined."})
}

func (s *Server) handleSigningRequestDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/signing-requests/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "signing request id and action required")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	requestID := parts[0]

	switch parts[1] {
	case "send":
		links, err := s.signingService.SendForSigning(r.Context(), requestID, userID)
		if err != nil {
			writeSigningError(w, err)
			return
		}
		items := make([]linkResponse, 0, len(links))
		for _, l := range links {
			items = append(items, linkResponse{
				SignerID:    l.SignerID,
				SignerEmail: l.SignerEmail,
				ExpiresAt:   l.ExpiresAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"links": items})
	case "cancel":
		if err := s.signingService.Cancel(r.Context(), requestID, userID); err != nil {
			writeSigningError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Signing request cancelled."})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, signertoken.ErrTokenNotFound) ||
		errors.Is(err, signertoken.ErrTokenExpired) ||
		errors.Is(err, signertoken.ErrTokenConsumed) ||
		errors.Is(err, signertoken.ErrTokenOrphaned)
}

// writeSigningError maps domain rejections to HTTP statuses. Token failures
// collapse into one message regardless of cause.
func writeSigningError(w http.ResponseWriter, err error) {
	switch {
	case isTokenError(err):
		writeError(w, http.StatusGone, invalidLinkMessage)
	case errors.Is(err, signing.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, signing.ErrForbidden):
		writeError(w, http.StatusForbidden, "only the request owner may do this")
	case errors.Is(err, signing.ErrRequestNotFound), errors.Is(err, document.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, signing.ErrDuplicateActiveRequest):
		writeError(w, http.StatusConflict, "document already has an active signing request")
	case errors.Is(err, signing.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, signing.ErrNotYourTurn):
		writeError(w, http.StatusConflict, "it is not this signer's turn to sign")
	case errors.Is(err, signing.ErrRequestClosed):
		writeError(w, http.StatusGone, "this signing request is closed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type createDocumentRequest struct {
	Name        string `json:"name"`
	ContentHash string `json:"contentHash"`
	StorageKey  string `json:"storageKey"`
	PageCount   int    `json:"pageCount"`
	Author      string `json:"author"`
}

type addVersionRequest struct {
	ContentHash string `json:"contentHash"`
	StorageKey  string `json:"storageKey"`
	PageCount   int    `json:"pageCount"`
	Author      string `json:"author"`
}

type documentResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	CurrentVersionID string `json:"currentVersionId,omitempty"`
	Sealed           bool   `json:"sealed"`
	CreatedAt        string `json:"createdAt"`
}

type versionResponse struct {
	ID          string `json:"id"`
	ContentHash string `json:"contentHash"`
	PageCount   int    `json:"pageCount"`
	CreatedAt   string `json:"createdAt"`
}

type createSigningRequestRequest struct {
	DocumentVersionID string     `json:"documentVersionId"`
	Mode              string     `json:"mode"`
	DueDate           *time.Time `json:"dueDate,omitempty"`
	Signers           []struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"signers"`
}

type linkResponse struct {
	SignerID    string `json:"signerId"`
	SignerEmail string `json:"signerEmail"`
	ExpiresAt   string `json:"expiresAt"`
}

type verifyResponse struct {
	IsValid      bool   `json:"isValid"`
	DocumentName string `json:"documentName,omitempty"`
	SignerName   string `json:"signerName,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	Message      string `json:"message,omitempty"`
}

type submitSignatureRequest struct {
	Token      string `json:"token"`
	Evidence   string `json:"evidence"`
	DeviceInfo string `json:"deviceInfo"`
}

type submitResponse struct {
	Message            string `json:"message"`
	IsComplete         bool   `json:"isComplete"`
	Status             string `json:"status"`
	SignedCount        int    `json:"signedCount"`
	TotalSigners       int    `json:"totalSigners"`
	ProgressPercentage int    `json:"progressPercentage"`
}

type declineRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type statusResponse struct {
	Status             string           `json:"status"`
	SignedCount        int              `json:"signedCount"`
	TotalSigners       int              `json:"totalSigners"`
	ProgressPercentage int              `json:"progressPercentage"`
	SigningMode        string           `json:"signingMode"`
	DueDate            *string          `json:"dueDate,omitempty"`
	Signatures         []signerResponse `json:"signatures"`
}

type signerResponse struct {
	SignerID        string  `json:"signerId"`
	SignerName      string  `json:"signerName"`
	SignerEmail     string  `json:"signerEmail"`
	Status          string  `json:"status"`
	IsPending       bool    `json:"isPending"`
	IsCurrentSigner bool    `json:"isCurrentSigner"`
	SignatureOrder  int     `json:"signatureOrder"`
	SignedAt        *string `json:"signedAt,omitempty"`
}
