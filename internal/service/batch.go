package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/store"
)

// CreateBatchRequest represents the input for batch creation.
type CreateBatchRequest struct {
	CountyID        string
	StartTime       time.Time
	EndTime         time.Time
	ClosingInterval time.Duration
	CertificateIDs  []string
}

// BatchService groups certificates into scheduled batches. Opening and
// closing them is left to the engine and its scheduler.
type BatchService struct {
	store store.Store
	now   func() time.Time
}

// NewBatchService creates a new BatchService.
func NewBatchService(st store.Store) *BatchService {
	return &BatchService{store: st, now: time.Now}
}

// Create validates the request and stores a SCHEDULED batch, moving every
// member certificate to AUCTION_SCHEDULED in the same transaction.
func (s *BatchService) Create(ctx context.Context, req CreateBatchRequest) (*domain.CertificateBatch, error) {
	if !identifierRegex.MatchString(req.CountyID) {
		return nil, &domain.ValidationError{Message: "county_id must match ^[a-zA-Z0-9_.-]{1,64}$"}
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return nil, &domain.ValidationError{Message: "start_time and end_time are required"}
	}
	if !req.StartTime.Before(req.EndTime) {
		return nil, &domain.ValidationError{Message: "start_time must be before end_time"}
	}
	if req.ClosingInterval < 0 {
		return nil, &domain.ValidationError{Message: "closing_interval must not be negative"}
	}
	if err := validateMembers(req.CertificateIDs); err != nil {
		return nil, err
	}

	now := s.now()
	batch := &domain.CertificateBatch{
		ID:              uuid.New().String(),
		CountyID:        req.CountyID,
		Status:          domain.BatchScheduled,
		StartTime:       req.StartTime.UTC(),
		EndTime:         req.EndTime.UTC(),
		ClosingInterval: req.ClosingInterval,
		CertificateIDs:  append([]string(nil), req.CertificateIDs...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := enlist(ctx, tx, req.CertificateIDs, req.CountyID, now, func(c *domain.Certificate) {
			c.BatchID = batch.ID
		}); err != nil {
			return err
		}
		return tx.CreateBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Get returns a batch by id.
func (s *BatchService) Get(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	return s.store.GetBatch(ctx, id)
}

// List returns batches, optionally filtered by status.
func (s *BatchService) List(ctx context.Context, status domain.BatchStatus) ([]*domain.CertificateBatch, error) {
	return s.store.ListBatches(ctx, store.BatchFilter{Status: status})
}

func validateMembers(ids []string) error {
	if len(ids) == 0 {
		return &domain.ValidationError{Message: "certificate_ids must not be empty"}
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return &domain.ValidationError{Message: "certificate_ids must not contain empty ids"}
		}
		if seen[id] {
			return &domain.ValidationError{Message: fmt.Sprintf("duplicate certificate id %q", id)}
		}
		seen[id] = true
	}
	return nil
}

// enlist locks each certificate, checks it can join a round and moves it to
// AUCTION_SCHEDULED under the owner set by assign. A certificate already
// owned by another round yields ErrOwnerConflict.
func enlist(ctx context.Context, tx store.Tx, ids []string, countyID string, now time.Time, assign func(*domain.Certificate)) error {
	for _, id := range ids {
		c, err := tx.LockCertificate(ctx, id)
		if err != nil {
			return err
		}
		if kind, owner, ok := c.Owner(); ok {
			return fmt.Errorf("%w: certificate %s belongs to %s %s", domain.ErrOwnerConflict, id, kind, owner)
		}
		if c.CountyID != countyID {
			return &domain.ValidationError{Message: fmt.Sprintf("certificate %s is in county %s", id, c.CountyID)}
		}
		if c.Status != domain.CertificateAvailable {
			return fmt.Errorf("%w: certificate %s is %s, want AVAILABLE", domain.ErrInvalidTransition, id, c.Status)
		}
		if err := c.Transition(domain.CertificateAuctionScheduled, now); err != nil {
			return err
		}
		assign(c)
		if err := tx.UpdateCertificate(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
