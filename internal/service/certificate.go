package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/engine"
	"github.com/efreitasn/certauction/internal/store"
)

var (
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)
)

// CreateCertificateRequest represents the input for certificate creation.
type CreateCertificateRequest struct {
	CertificateNumber string
	CountyID          string
	ParcelID          string
	FaceValue         string
	// Status is PENDING or AVAILABLE; empty means AVAILABLE.
	Status string
}

// CertificateView is a certificate together with its live ledger state.
// State is nil unless the certificate is AUCTION_ACTIVE.
type CertificateView struct {
	Certificate *domain.Certificate
	State       *domain.LedgerSnapshot
}

// CertificateService handles certificate records and their administrative
// status changes. Auction-driven statuses are owned by the engine.
type CertificateService struct {
	store  store.Store
	ledger *engine.Ledger
	now    func() time.Time
}

// NewCertificateService creates a new CertificateService.
func NewCertificateService(st store.Store, ledger *engine.Ledger) *CertificateService {
	return &CertificateService{
		store:  st,
		ledger: ledger,
		now:    time.Now,
	}
}

// Create validates the request and stores a new certificate.
func (s *CertificateService) Create(ctx context.Context, req CreateCertificateRequest) (*domain.Certificate, error) {
	if strings.TrimSpace(req.CertificateNumber) == "" {
		return nil, &domain.ValidationError{Message: "certificate_number is required"}
	}
	if !identifierRegex.MatchString(req.CountyID) {
		return nil, &domain.ValidationError{Message: "county_id must match ^[a-zA-Z0-9_.-]{1,64}$"}
	}
	if strings.TrimSpace(req.ParcelID) == "" {
		return nil, &domain.ValidationError{Message: "parcel_id is required"}
	}

	faceValue, err := domain.ParseFaceValue(req.FaceValue)
	if err != nil {
		return nil, &domain.ValidationError{Message: "face_value: " + err.Error()}
	}

	status := domain.CertificateAvailable
	switch domain.CertificateStatus(req.Status) {
	case "", domain.CertificateAvailable:
	case domain.CertificatePending:
		status = domain.CertificatePending
	default:
		return nil, &domain.ValidationError{Message: "status must be PENDING or AVAILABLE"}
	}

	now := s.now()
	cert := &domain.Certificate{
		ID:                uuid.New().String(),
		CertificateNumber: req.CertificateNumber,
		CountyID:          req.CountyID,
		ParcelID:          req.ParcelID,
		FaceValue:         faceValue,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.ListCertificates(ctx, store.CertificateFilter{CountyID: req.CountyID})
		if err != nil {
			return err
		}
		for _, c := range existing {
			if c.CertificateNumber == req.CertificateNumber {
				return fmt.Errorf("%w: certificate %s in county %s", domain.ErrAlreadyExists, req.CertificateNumber, req.CountyID)
			}
		}
		return tx.CreateCertificate(ctx, cert)
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// Get returns the certificate and, while it is being auctioned, its ledger
// snapshot.
func (s *CertificateService) Get(ctx context.Context, id string) (*CertificateView, error) {
	cert, err := s.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &CertificateView{Certificate: cert}
	if entry, ok := s.ledger.Get(id); ok {
		snap := entry.Snapshot(cert.Status)
		view.State = &snap
	}
	return view, nil
}

// List returns certificates matching the filter.
func (s *CertificateService) List(ctx context.Context, f store.CertificateFilter) ([]*domain.Certificate, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return s.store.ListCertificates(ctx, f)
}

// administrativeTargets are the statuses an operator may set directly.
// Every other status is reached only through a round transition.
var administrativeTargets = map[domain.CertificateStatus]bool{
	domain.CertificateAvailable: true,
	domain.CertificateRedeemed:  true,
	domain.CertificateExpired:   true,
}

// SetStatus applies an administrative status change such as redemption.
func (s *CertificateService) SetStatus(ctx context.Context, id string, status domain.CertificateStatus) (*domain.Certificate, error) {
	if !administrativeTargets[status] {
		return nil, &domain.ValidationError{Message: "status must be one of: AVAILABLE, REDEEMED, EXPIRED"}
	}

	var cert *domain.Certificate
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockCertificate(ctx, id)
		if err != nil {
			return err
		}
		// Certificates inside a live round move only with the round.
		if c.Status == domain.CertificateAuctionScheduled || c.Status == domain.CertificateAuctionActive {
			return fmt.Errorf("%w: certificate %s is in an auction round", domain.ErrInvalidTransition, id)
		}
		if err := c.Transition(status, s.now()); err != nil {
			return fmt.Errorf("%w: %s → %s", err, c.Status, status)
		}
		if status == domain.CertificateAvailable {
			c.BatchID = ""
			c.AuctionID = ""
		}
		if err := tx.UpdateCertificate(ctx, c); err != nil {
			return err
		}
		cert = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// ListBids returns the certificate's bids, best first.
func (s *CertificateService) ListBids(ctx context.Context, certificateID string) ([]*domain.Bid, error) {
	if _, err := s.store.GetCertificate(ctx, certificateID); err != nil {
		return nil, err
	}
	return s.store.ListBids(ctx, store.BidFilter{CertificateID: certificateID})
}
