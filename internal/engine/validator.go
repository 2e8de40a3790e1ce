package engine

import (
	"github.com/shopspring/decimal"

	"github.com/efreitasn/certauction/internal/domain"
)

// BidProposal is a bid as submitted, before it has an id or timestamp.
type BidProposal struct {
	CertificateID string
	BidderID      string
	InterestRate  decimal.Decimal
}

// ValidateBid is the pure accept/reject decision for a proposed bid. The
// first failing rule wins:
//
//  1. the bidder must be the caller
//  2. the certificate must exist and be AUCTION_ACTIVE
//  3. the owning batch or auction, if any, must be open
//  4. 0 <= rate <= 18
//  5. rate is 0 or at least 5, with at most four decimal places
//  6. rate is strictly below the ledger's lowest bid, if one exists
//
// cert and round may be nil; entry is nil when the ledger has no entry.
// It returns nil to accept.
func ValidateBid(p BidProposal, cert *domain.Certificate, round *domain.Round, entry *LedgerEntry, callerID string) *domain.BidRejection {
	if p.BidderID != callerID {
		return domain.Reject(domain.RejectBidderMismatch)
	}
	if cert == nil {
		return domain.Reject(domain.RejectCertificateNotFound)
	}
	if cert.Status != domain.CertificateAuctionActive {
		return domain.Reject(domain.RejectNotInActiveAuction)
	}
	if round != nil && !round.Open {
		rej := domain.Reject(domain.RejectRoundNotActive)
		if round.Kind == domain.RoundAuction {
			rej.Message = "auction not active"
		}
		return rej
	}
	if !domain.RateInBounds(p.InterestRate) {
		return domain.Reject(domain.RejectOutOfBounds)
	}
	if !domain.RateIncrementValid(p.InterestRate) || !domain.RatePrecisionValid(p.InterestRate) {
		return domain.Reject(domain.RejectInvalidIncrement)
	}
	if entry != nil && entry.LowestBid != nil && !p.InterestRate.LessThan(*entry.LowestBid) {
		return domain.Reject(domain.RejectNotLowerThanCurrent)
	}
	return nil
}
