package document

import (
	"context"
	"fmt"
	"strings"
)

// Store abstracts repository operations for the service.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Document, Version, error)
	AddVersion(ctx context.Context, params AddVersionParams) (Version, error)
	GetByID(ctx context.Context, id string) (Document, error)
	GetVersion(ctx context.Context, versionID string) (Version, error)
	CurrentVersion(ctx context.Context, documentID string) (Version, error)
	ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]Document, error)
}

// Service exposes business-level document operations.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create registers an uploaded document with its first version.
func (s *Service) Create(ctx context.Context, params CreateParams) (Document, Version, error) {
	if params.OwnerUserID == "" {
		return Document{}, Version{}, fmt.Errorf("document: owner required")
	}
	if strings.TrimSpace(params.Name) == "" {
		return Document{}, Version{}, fmt.Errorf("document: name required")
	}
	if params.ContentHash == "" || params.StorageKey == "" {
		return Document{}, Version{}, fmt.Errorf("document: content hash and storage key required")
	}
	return s.store.Create(ctx, params)
}

// AddVersion appends a revision unless an active signing request froze the
// document.
func (s *Service) AddVersion(ctx context.Context, params AddVersionParams) (Version, error) {
	if params.DocumentID == "" {
		return Version{}, fmt.Errorf("document: document id required")
	}
	if params.ContentHash == "" || params.StorageKey == "" {
		return Version{}, fmt.Errorf("document: content hash and storage key required")
	}
	return s.store.AddVersion(ctx, params)
}

func (s *Service) Get(ctx context.Context, id string) (Document, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return s.store.GetVersion(ctx, versionID)
}

func (s *Service) CurrentVersion(ctx context.Context, documentID string) (Version, error) {
	return s.store.CurrentVersion(ctx, documentID)
}

func (s *Service) List(ctx context.Context, ownerUserID string, limit int) ([]Document, error) {
	return s.store.ListByOwner(ctx, ownerUserID, limit)
}
