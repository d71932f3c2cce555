package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"signflow/auth"
	"signflow/document"
	"signflow/signertoken"
	"signflow/signing"
)

func newTestServer() (*Server, *stubSigning) {
	sig := &stubSigning{}
	return &Server{
		authService:     &stubAuth{},
		documentService: &stubDocuments{},
		signingService:  sig,
	}, sig
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestVerifyToken_GenericMessageForEveryTokenFailure(t *testing.T) {
	srv, sig := newTestServer()

	failures := []error{
		signertoken.ErrTokenNotFound,
		signertoken.ErrTokenExpired,
		signertoken.ErrTokenConsumed,
		signertoken.ErrTokenOrphaned,
	}

	var bodies []string
	for _, failure := range failures {
		sig.verifyErr = failure
		req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/signing/verify?token=whatever", nil)
		rec := httptest.NewRecorder()
		srv.handleDocumentDetail(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%v: expected 200 with isValid=false, got %d", failure, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["isValid"] != false {
			t.Fatalf("%v: expected isValid=false, got %v", failure, body["isValid"])
		}
		if body["message"] != invalidLinkMessage {
			t.Fatalf("%v: expected generic message, got %q", failure, body["message"])
		}
		bodies = append(bodies, rec.Body.String())
	}

	// Indistinguishable: the response body is byte-identical across causes.
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Fatalf("token failure responses differ: %q vs %q", bodies[0], bodies[i])
		}
	}
}

func TestVerifyToken_Valid(t *testing.T) {
	srv, sig := newTestServer()
	expires := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sig.verifyInfo = signing.LinkInfo{
		Valid:        true,
		DocumentName: "Cottage Deed",
		SignerName:   "First Signer",
		ExpiresAt:    expires,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/signing/verify?token=tok", nil)
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["isValid"] != true || body["documentName"] != "Cottage Deed" || body["signerName"] != "First Signer" {
		t.Fatalf("unexpected verify body: %v", body)
	}
	if sig.verifyDocID != "d1" {
		t.Fatalf("expected document id from path, got %q", sig.verifyDocID)
	}
}

func TestVerifyToken_MissingToken(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/signing/verify", nil)
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitSignature_Success(t *testing.T) {
	srv, sig := newTestServer()
	sig.submitResult = signing.SubmitResult{
		Status:      signing.StatusPartiallySigned,
		SignedCount: 1,
		Total:       3,
		Progress:    33,
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/signing/submit",
		strings.NewReader(`{"token":"tok","evidence":"blob://sig","deviceInfo":"ua"}`))
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["isComplete"] != false || body["signedCount"] != float64(1) || body["totalSigners"] != float64(3) || body["progressPercentage"] != float64(33) {
		t.Fatalf("unexpected submit body: %v", body)
	}
	if sig.submitParams.Token != "tok" || sig.submitParams.EvidenceRef != "blob://sig" || sig.submitParams.DeviceFingerprint != "ua" {
		t.Fatalf("unexpected params passed through: %+v", sig.submitParams)
	}
}

func TestSubmitSignature_Completion(t *testing.T) {
	srv, sig := newTestServer()
	sig.submitResult = signing.SubmitResult{
		Status:      signing.StatusFullySigned,
		SignedCount: 2,
		Total:       2,
		Progress:    100,
		IsComplete:  true,
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/signing/submit",
		strings.NewReader(`{"token":"tok","evidence":"blob://sig"}`))
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)

	body := decodeBody(t, rec)
	if body["isComplete"] != true || body["status"] != string(signing.StatusFullySigned) {
		t.Fatalf("unexpected completion body: %v", body)
	}
	msg, _ := body["message"].(string)
	if !strings.Contains(msg, "fully executed") {
		t.Fatalf("expected completion message, got %q", msg)
	}
}

func TestSubmitSignature_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not your turn", signing.ErrNotYourTurn, http.StatusConflict},
		{"request closed", signing.ErrRequestClosed, http.StatusGone},
		{"consumed token", signertoken.ErrTokenConsumed, http.StatusGone},
		{"expired token", signertoken.ErrTokenExpired, http.StatusGone},
		{"unknown token", signertoken.ErrTokenNotFound, http.StatusGone},
		{"validation", signing.ErrValidation, http.StatusBadRequest},
	}

	for _, tc := range cases {
		srv, sig := newTestServer()
		sig.submitErr = tc.err

		req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/signing/submit",
			strings.NewReader(`{"token":"tok","evidence":"e"}`))
		rec := httptest.NewRecorder()
		srv.handleDocumentDetail(rec, req)

		if rec.Code != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.code, rec.Code)
		}
		if tc.code == http.StatusGone && tc.err != signing.ErrRequestClosed {
			body := decodeBody(t, rec)
			if body["error"] != invalidLinkMessage {
				t.Errorf("%s: expected generic token message, got %q", tc.name, body["error"])
			}
		}
	}
}

func TestSignatureStatus_PayloadShape(t *testing.T) {
	srv, sig := newTestServer()
	signedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	sig.statusView = signing.StatusView{
		RequestID:   "req-1",
		Status:      signing.StatusPartiallySigned,
		Mode:        signing.ModeSequential,
		SignedCount: 1,
		Total:       2,
		Progress:    50,
		Signers: []signing.SignerView{
			{SignerID: "sig-1", Name: "First", Email: "first@example.com", Status: signing.SignerSigned, Order: 1, SignedAt: &signedAt},
			{SignerID: "sig-2", Name: "Second", Email: "second@example.com", Status: signing.SignerPending, IsPending: true, IsCurrentSigner: true, Order: 2},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/signing/status", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "partially_signed" || body["signingMode"] != "sequential" {
		t.Fatalf("unexpected status body: %v", body)
	}
	if body["signedCount"] != float64(1) || body["totalSigners"] != float64(2) || body["progressPercentage"] != float64(50) {
		t.Fatalf("unexpected counters: %v", body)
	}

	signatures, ok := body["signatures"].([]any)
	if !ok || len(signatures) != 2 {
		t.Fatalf("expected 2 signature rows, got %v", body["signatures"])
	}
	second := signatures[1].(map[string]any)
	if second["isCurrentSigner"] != true || second["isPending"] != true || second["signatureOrder"] != float64(2) {
		t.Fatalf("unexpected signer row: %v", second)
	}
	first := signatures[0].(map[string]any)
	if first["status"] != "signed" || first["signedAt"] == nil {
		t.Fatalf("unexpected signed row: %v", first)
	}
}

func TestSignatureStatus_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/signing/status", nil)
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/documents/d1/signing/status", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec = httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid session, got %d", rec.Code)
	}
}

func TestSendForSigning_LinksOmitPlaintextToken(t *testing.T) {
	srv, sig := newTestServer()
	sig.links = []signing.IssuedLink{
		{SignerID: "sig-1", SignerEmail: "first@example.com", Token: "secret-1", ExpiresAt: time.Now().Add(time.Hour)},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/signing-requests/req-1/send", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	srv.requireAuth(srv.handleSigningRequestDetail)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret-1") {
		t.Fatal("plaintext token leaked into the send response")
	}
	if sig.sendActor != "user-1" {
		t.Fatalf("expected actor from session, got %q", sig.sendActor)
	}
}

func TestCancelSigningRequest(t *testing.T) {
	srv, sig := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/signing-requests/req-1/cancel", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	srv.requireAuth(srv.handleSigningRequestDetail)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sig.cancelID != "req-1" || sig.cancelActor != "user-1" {
		t.Fatalf("unexpected cancel call: id=%q actor=%q", sig.cancelID, sig.cancelActor)
	}

	sig.cancelErr = signing.ErrForbidden
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/signing-requests/req-1/cancel", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	srv.requireAuth(srv.handleSigningRequestDetail)(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCreateSigningRequest_DuplicateActive(t *testing.T) {
	srv, sig := newTestServer()
	sig.createErr = signing.ErrDuplicateActiveRequest

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/signing-requests",
		strings.NewReader(`{"documentVersionId":"v1","mode":"parallel","signers":[{"name":"A","email":"a@x.com"}]}`))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDecline(t *testing.T) {
	srv, sig := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/signing/decline",
		strings.NewReader(`{"token":"tok","reason":"wrong terms"}`))
	rec := httptest.NewRecorder()
	srv.handleDocumentDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sig.declineToken != "tok" || sig.declineReason != "wrong terms" {
		t.Fatalf("unexpected decline call: token=%q reason=%q", sig.declineToken, sig.declineReason)
	}
}

func TestMethodGuards(t *testing.T) {
	srv, _ := newTestServer()

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/documents/d1/signing/submit"},
		{http.MethodPost, "/api/documents/d1/signing/verify"},
		{http.MethodDelete, "/api/documents/d1/signing/decline"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		srv.handleDocumentDetail(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

// --- stubs ---

type stubAuth struct{}

func (s *stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	return &auth.User{ID: "user-1", Email: req.Email, FullName: req.FullName, Role: auth.RoleOwner}, nil
}

func (s *stubAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{Token: "session", User: auth.User{ID: "user-1", Email: req.Email}}, nil
}

func (s *stubAuth) VerifyToken(token string) (string, auth.Role, error) {
	if token != "good-token" {
		return "", "", auth.ErrInvalidToken
	}
	return "user-1", auth.RoleOwner, nil
}

type stubDocuments struct{}

func (s *stubDocuments) Create(_ context.Context, params document.CreateParams) (document.Document, document.Version, error) {
	return document.Document{ID: "d1", Name: params.Name}, document.Version{ID: "v1", DocumentID: "d1"}, nil
}

func (s *stubDocuments) AddVersion(_ context.Context, params document.AddVersionParams) (document.Version, error) {
	return document.Version{ID: "v2", DocumentID: params.DocumentID}, nil
}

func (s *stubDocuments) Get(_ context.Context, id string) (document.Document, error) {
	return document.Document{ID: id, Name: "Cottage Deed"}, nil
}

func (s *stubDocuments) CurrentVersion(_ context.Context, documentID string) (document.Version, error) {
	return document.Version{ID: "v1", DocumentID: documentID}, nil
}

func (s *stubDocuments) List(_ context.Context, _ string, _ int) ([]document.Document, error) {
	return nil, nil
}

type stubSigning struct {
	createErr     error
	links         []signing.IssuedLink
	sendActor     string
	verifyInfo    signing.LinkInfo
	verifyErr     error
	verifyDocID   string
	submitResult  signing.SubmitResult
	submitErr     error
	submitParams  signing.SubmitParams
	declineToken  string
	declineReason string
	cancelID      string
	cancelActor   string
	cancelErr     error
	statusView    signing.StatusView
}

func (s *stubSigning) Create(_ context.Context, params signing.CreateParams) (signing.Request, error) {
	if s.createErr != nil {
		return signing.Request{}, s.createErr
	}
	return signing.Request{ID: "req-1", DocumentID: params.DocumentID, Status: signing.StatusDraft}, nil
}

func (s *stubSigning) SendForSigning(_ context.Context, _ string, actorID string) ([]signing.IssuedLink, error) {
	s.sendActor = actorID
	return s.links, nil
}

func (s *stubSigning) VerifyLink(_ context.Context, documentID, _ string) (signing.LinkInfo, error) {
	s.verifyDocID = documentID
	if s.verifyErr != nil {
		return signing.LinkInfo{}, s.verifyErr
	}
	return s.verifyInfo, nil
}

func (s *stubSigning) Submit(_ context.Context, params signing.SubmitParams) (signing.SubmitResult, error) {
	s.submitParams = params
	if s.submitErr != nil {
		return signing.SubmitResult{}, s.submitErr
	}
	return s.submitResult, nil
}

func (s *stubSigning) Decline(_ context.Context, _ string, token, reason string) error {
	s.declineToken = token
	s.declineReason = reason
	return nil
}

func (s *stubSigning) Cancel(_ context.Context, requestID, actorID string) error {
	s.cancelID = requestID
	s.cancelActor = actorID
	return s.cancelErr
}

func (s *stubSigning) Status(_ context.Context, documentID string) (signing.StatusView, error) {
	return s.statusView, nil
}
