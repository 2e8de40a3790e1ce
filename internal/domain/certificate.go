package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CertificateStatus represents the lifecycle state of a tax certificate.
type CertificateStatus string

const (
	CertificatePending          CertificateStatus = "PENDING"
	CertificateAvailable        CertificateStatus = "AVAILABLE"
	CertificateAuctionScheduled CertificateStatus = "AUCTION_SCHEDULED"
	CertificateAuctionActive    CertificateStatus = "AUCTION_ACTIVE"
	CertificateAuctionClosed    CertificateStatus = "AUCTION_CLOSED"
	CertificateSold             CertificateStatus = "SOLD"
	CertificateRedeemed         CertificateStatus = "REDEEMED"
	CertificateExpired          CertificateStatus = "EXPIRED"
)

// certificateTransitions lists the allowed target statuses per source.
// SOLD, REDEEMED and EXPIRED have no exits.
var certificateTransitions = map[CertificateStatus][]CertificateStatus{
	CertificatePending:          {CertificateAvailable, CertificateRedeemed},
	CertificateAvailable:        {CertificateAuctionScheduled, CertificateRedeemed, CertificateExpired},
	CertificateAuctionScheduled: {CertificateAuctionActive, CertificateAvailable},
	CertificateAuctionActive:    {CertificateSold, CertificateAuctionClosed, CertificateAvailable},
	CertificateAuctionClosed:    {CertificateAvailable, CertificateExpired, CertificateRedeemed},
}

// Terminal reports whether no further transition is allowed from s.
func (s CertificateStatus) Terminal() bool {
	switch s {
	case CertificateSold, CertificateRedeemed, CertificateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known certificate status.
func (s CertificateStatus) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := certificateTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s CertificateStatus) CanTransitionTo(next CertificateStatus) bool {
	for _, allowed := range certificateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Certificate identifies one delinquent-tax lien.
type Certificate struct {
	ID                string
	CertificateNumber string
	CountyID          string
	ParcelID          string
	FaceValue         decimal.Decimal
	Status            CertificateStatus
	InterestRate      *decimal.Decimal // set only once sold
	PurchaserID       string
	PurchaseDate      *time.Time
	BatchID           string // at most one of BatchID, AuctionID is set
	AuctionID         string
	AuctionDate       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Owner returns the round that governs the certificate's lifecycle, or
// ok=false when the certificate is not grouped.
func (c *Certificate) Owner() (kind RoundKind, id string, ok bool) {
	switch {
	case c.BatchID != "":
		return RoundBatch, c.BatchID, true
	case c.AuctionID != "":
		return RoundAuction, c.AuctionID, true
	}
	return "", "", false
}

// Transition moves the certificate to next, returning ErrInvalidTransition
// when the state machine does not allow it.
func (c *Certificate) Transition(next CertificateStatus, at time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	c.Status = next
	c.UpdatedAt = at
	return nil
}

// Settle marks the certificate sold to the winning bid.
func (c *Certificate) Settle(winner *Bid, at time.Time) error {
	if err := c.Transition(CertificateSold, at); err != nil {
		return err
	}
	rate := winner.InterestRate
	purchased := at
	c.InterestRate = &rate
	c.PurchaserID = winner.BidderID
	c.PurchaseDate = &purchased
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (c *Certificate) Clone() *Certificate {
	cp := *c
	if c.InterestRate != nil {
		r := *c.InterestRate
		cp.InterestRate = &r
	}
	if c.PurchaseDate != nil {
		t := *c.PurchaseDate
		cp.PurchaseDate = &t
	}
	if c.AuctionDate != nil {
		t := *c.AuctionDate
		cp.AuctionDate = &t
	}
	return &cp
}
