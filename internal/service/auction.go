package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/store"
)

// CreateAuctionRequest represents the input for a legacy auction.
type CreateAuctionRequest struct {
	CountyID       string
	AuctionDate    time.Time
	CertificateIDs []string
}

// AuctionService manages legacy auctions, which are started and completed
// by an operator rather than the scheduler.
type AuctionService struct {
	store store.Store
	now   func() time.Time
}

// NewAuctionService creates a new AuctionService.
func NewAuctionService(st store.Store) *AuctionService {
	return &AuctionService{store: st, now: time.Now}
}

// Create stores an UPCOMING auction and attaches the certificates to it.
func (s *AuctionService) Create(ctx context.Context, req CreateAuctionRequest) (*domain.Auction, error) {
	if !identifierRegex.MatchString(req.CountyID) {
		return nil, &domain.ValidationError{Message: "county_id must match ^[a-zA-Z0-9_.-]{1,64}$"}
	}
	if req.AuctionDate.IsZero() {
		return nil, &domain.ValidationError{Message: "auction_date is required"}
	}
	if err := validateMembers(req.CertificateIDs); err != nil {
		return nil, err
	}

	now := s.now()
	date := req.AuctionDate.UTC()
	auction := &domain.Auction{
		ID:          uuid.New().String(),
		CountyID:    req.CountyID,
		AuctionDate: date,
		Status:      domain.AuctionUpcoming,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := enlist(ctx, tx, req.CertificateIDs, req.CountyID, now, func(c *domain.Certificate) {
			c.AuctionID = auction.ID
			d := date
			c.AuctionDate = &d
		}); err != nil {
			return err
		}
		return tx.CreateAuction(ctx, auction)
	})
	if err != nil {
		return nil, err
	}
	return auction, nil
}

// Get returns an auction by id.
func (s *AuctionService) Get(ctx context.Context, id string) (*domain.Auction, error) {
	return s.store.GetAuction(ctx, id)
}

// List returns auctions matching the filter.
func (s *AuctionService) List(ctx context.Context, f store.AuctionFilter) ([]*domain.Auction, error) {
	return s.store.ListAuctions(ctx, f)
}

// Certificates returns the certificates attached to the auction.
func (s *AuctionService) Certificates(ctx context.Context, id string) ([]*domain.Certificate, error) {
	if _, err := s.store.GetAuction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListCertificates(ctx, store.CertificateFilter{AuctionID: id})
}
