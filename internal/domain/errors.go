package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler and gateway layers map these to wire responses.
var (
	ErrCertificateNotFound = errors.New("certificate_not_found")
	ErrBatchNotFound       = errors.New("batch_not_found")
	ErrAuctionNotFound     = errors.New("auction_not_found")
	ErrBidNotFound         = errors.New("bid_not_found")
	ErrWebhookNotFound     = errors.New("webhook_not_found")
	ErrAlreadyExists       = errors.New("already_exists")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrOwnerConflict       = errors.New("owner_conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrTransient           = errors.New("transient_error")
	ErrIntegrity           = errors.New("integrity_error")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RejectReason is the stable machine-readable code of a bid rejection.
type RejectReason string

const (
	RejectBidderMismatch       RejectReason = "bidder_mismatch"
	RejectCertificateNotFound  RejectReason = "certificate_not_found"
	RejectNotInActiveAuction   RejectReason = "not_in_active_auction"
	RejectRoundNotActive       RejectReason = "batch_not_active"
	RejectOutOfBounds          RejectReason = "out_of_bounds"
	RejectInvalidIncrement     RejectReason = "invalid_increment"
	RejectNotLowerThanCurrent  RejectReason = "not_lower_than_current"
	RejectTransientPersistence RejectReason = "transient_error"
)

// BidRejection is returned when a proposed bid fails validation or could
// not be persisted. Message is safe to show to the bidder.
type BidRejection struct {
	Reason  RejectReason
	Message string
}

func (e *BidRejection) Error() string {
	return e.Message
}

// Retryable reports whether resubmitting the same bid may succeed.
func (e *BidRejection) Retryable() bool {
	return e.Reason == RejectTransientPersistence
}

// Reject builds a BidRejection with the canonical message for reason.
func Reject(reason RejectReason) *BidRejection {
	return &BidRejection{Reason: reason, Message: rejectMessages[reason]}
}

var rejectMessages = map[RejectReason]string{
	RejectBidderMismatch:       "bidder mismatch",
	RejectCertificateNotFound:  "certificate not found",
	RejectNotInActiveAuction:   "not in active auction",
	RejectRoundNotActive:       "batch not active",
	RejectOutOfBounds:          "out of bounds",
	RejectInvalidIncrement:     "invalid increment",
	RejectNotLowerThanCurrent:  "must be lower than current lowest bid",
	RejectTransientPersistence: "temporary failure, please resubmit",
}
