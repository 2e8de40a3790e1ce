package domain

import "time"

// AuctionStatus represents the lifecycle state of a legacy auction.
type AuctionStatus string

const (
	AuctionUpcoming  AuctionStatus = "UPCOMING"
	AuctionActive    AuctionStatus = "ACTIVE"
	AuctionCompleted AuctionStatus = "COMPLETED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

var auctionPhases = map[AuctionStatus]Phase{
	AuctionUpcoming:  PhaseScheduled,
	AuctionActive:    PhaseActive,
	AuctionCompleted: PhaseClosed,
	AuctionCancelled: PhaseCancelled,
}

var auctionStatusForPhase = map[Phase]AuctionStatus{
	PhaseActive:    AuctionActive,
	PhaseClosed:    AuctionCompleted,
	PhaseCancelled: AuctionCancelled,
}

// Phase maps the auction status onto the canonical lifecycle.
func (s AuctionStatus) Phase() Phase {
	return auctionPhases[s]
}

// Auction is the legacy grouping that drives certificates directly,
// without a batch. Certificates reference it through AuctionID.
type Auction struct {
	ID          string
	CountyID    string
	AuctionDate time.Time
	Status      AuctionStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Round returns the canonical view of the auction.
func (a *Auction) Round() Round {
	return Round{
		Kind:   RoundAuction,
		ID:     a.ID,
		Status: string(a.Status),
		Phase:  a.Status.Phase(),
		Open:   a.Status == AuctionActive,
	}
}

// Advance moves the auction to the status for phase to.
func (a *Auction) Advance(to Phase, at time.Time) error {
	if !CanTransition(a.Status.Phase(), to) {
		return ErrInvalidTransition
	}
	a.Status = auctionStatusForPhase[to]
	a.UpdatedAt = at
	return nil
}

// Clone returns a copy.
func (a *Auction) Clone() *Auction {
	cp := *a
	return &cp
}
