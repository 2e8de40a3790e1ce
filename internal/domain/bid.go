package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidStatus represents the lifecycle state of a bid.
type BidStatus string

const (
	BidActive    BidStatus = "ACTIVE"
	BidOutbid    BidStatus = "OUTBID"
	BidWinning   BidStatus = "WINNING"
	BidCancelled BidStatus = "CANCELLED"
)

// Live reports whether the bid still competes for the certificate.
func (s BidStatus) Live() bool {
	return s == BidActive || s == BidWinning
}

// Bid is one bidder's offer on one certificate. A lower InterestRate is a
// better bid.
type Bid struct {
	ID            string
	CertificateID string
	BidderID      string
	InterestRate  decimal.Decimal
	Timestamp     time.Time
	Status        BidStatus
}

// Better reports whether b ranks ahead of other: lower rate first, then
// earlier timestamp, then lower id.
func (b *Bid) Better(other *Bid) bool {
	if c := b.InterestRate.Cmp(other.InterestRate); c != 0 {
		return c < 0
	}
	if !b.Timestamp.Equal(other.Timestamp) {
		return b.Timestamp.Before(other.Timestamp)
	}
	return b.ID < other.ID
}

// Clone returns a copy.
func (b *Bid) Clone() *Bid {
	cp := *b
	return &cp
}
