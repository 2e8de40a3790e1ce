package store

import (
	"context"
	"time"

	"github.com/efreitasn/certauction/internal/domain"
)

// CertificateFilter narrows ListCertificates. Zero fields are ignored.
type CertificateFilter struct {
	Status    domain.CertificateStatus
	BatchID   string
	AuctionID string
	CountyID  string
}

// BatchFilter narrows ListBatches. DueBefore, when set, keeps batches whose
// StartTime (for SCHEDULED) or EndTime (for ACTIVE) is at or before it.
type BatchFilter struct {
	Status    domain.BatchStatus
	DueBefore *time.Time
}

// AuctionFilter narrows ListAuctions.
type AuctionFilter struct {
	Status   domain.AuctionStatus
	CountyID string
}

// BidFilter narrows ListBids. Results are ranked best first.
type BidFilter struct {
	CertificateID string
	BidderID      string
	Status        domain.BidStatus
}

// Reader is the query side of the certificate store. Every method returns
// copies; callers may mutate them freely.
type Reader interface {
	GetCertificate(ctx context.Context, id string) (*domain.Certificate, error)
	ListCertificates(ctx context.Context, f CertificateFilter) ([]*domain.Certificate, error)
	GetBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	ListBatches(ctx context.Context, f BatchFilter) ([]*domain.CertificateBatch, error)
	GetAuction(ctx context.Context, id string) (*domain.Auction, error)
	ListAuctions(ctx context.Context, f AuctionFilter) ([]*domain.Auction, error)
	GetBid(ctx context.Context, id string) (*domain.Bid, error)
	ListBids(ctx context.Context, f BidFilter) ([]*domain.Bid, error)
	// WinningBid returns the certificate's WINNING bid, or nil when none.
	WinningBid(ctx context.Context, certificateID string) (*domain.Bid, error)
	CountBids(ctx context.Context, certificateID string) (int, error)
}

// Writer is the mutation side of the store. Writes are only available
// inside a transaction.
type Writer interface {
	CreateCertificate(ctx context.Context, c *domain.Certificate) error
	UpdateCertificate(ctx context.Context, c *domain.Certificate) error
	CreateBatch(ctx context.Context, b *domain.CertificateBatch) error
	UpdateBatch(ctx context.Context, b *domain.CertificateBatch) error
	CreateAuction(ctx context.Context, a *domain.Auction) error
	UpdateAuction(ctx context.Context, a *domain.Auction) error
	CreateBid(ctx context.Context, b *domain.Bid) error
	UpdateBid(ctx context.Context, b *domain.Bid) error
}

// Tx is a unit of work. The Lock methods read a row and hold it against
// concurrent writers until the transaction ends, so a status read through
// them is still current when the transaction writes.
type Tx interface {
	Reader
	Writer
	LockCertificate(ctx context.Context, id string) (*domain.Certificate, error)
	LockBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	LockAuction(ctx context.Context, id string) (*domain.Auction, error)
}

// Store is the collaborator the engine persists through. InTx runs fn
// atomically: if fn returns an error, or the commit fails, none of its
// writes become visible.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
