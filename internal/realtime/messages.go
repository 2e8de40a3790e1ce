package realtime

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/engine"
)

// Inbound message types.
const (
	msgJoin          = "join"
	msgLeave         = "leave"
	msgPlaceBid      = "placeBid"
	msgStartAuction  = "startAuction"
	msgEndAuction    = "endAuction"
	msgCancelAuction = "cancelAuction"
)

// Reply types sent only to the originating session.
const (
	replyJoined       = "joined"
	replyLeft         = "left"
	replyBidAccepted  = "bid-accepted"
	replyBidRejected  = "bid-rejected"
	replyTransitioned = "transitioned"
	replyError        = "error"
)

// inbound is every client message. Fields irrelevant to a type are ignored.
type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// join, leave, and the admin transitions.
	ID string `json:"id,omitempty"`

	// placeBid
	CertificateID string           `json:"certificateId,omitempty"`
	BidderID      string           `json:"bidderId,omitempty"`
	InterestRate  *decimal.Decimal `json:"interestRate,omitempty"`

	// admin transitions; Kind is "batch" or "auction" and is resolved from
	// the id when empty.
	AdminCredential string `json:"adminCredential,omitempty"`
	Kind            string `json:"kind,omitempty"`
}

// room returns the id a join or leave refers to.
func (m inbound) room() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CertificateID
}

type reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func encodeReply(typ, requestID string, data any) []byte {
	b, err := json.Marshal(reply{Type: typ, RequestID: requestID, Data: data})
	if err != nil {
		b, _ = json.Marshal(reply{Type: replyError, RequestID: requestID, Data: errorPayload{Code: "internal", Message: "encode reply"}})
	}
	return b
}

type joinedPayload struct {
	ID     string                 `json:"id"`
	Kind   string                 `json:"kind"`
	Status string                 `json:"status"`
	State  *domain.LedgerSnapshot `json:"state,omitempty"`
}

func newJoinedPayload(info *engine.RoomInfo) joinedPayload {
	return joinedPayload{ID: info.ID, Kind: info.Kind, Status: info.Status, State: info.State}
}

type leftPayload struct {
	ID string `json:"id"`
}

type bidPayload struct {
	BidID         string          `json:"bidId"`
	CertificateID string          `json:"certificateId"`
	BidderID      string          `json:"bidderId"`
	InterestRate  decimal.Decimal `json:"interestRate"`
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}

func newBidPayload(b *domain.Bid) bidPayload {
	return bidPayload{
		BidID:         b.ID,
		CertificateID: b.CertificateID,
		BidderID:      b.BidderID,
		InterestRate:  b.InterestRate,
		Status:        string(b.Status),
		Timestamp:     b.Timestamp,
	}
}

type rejectedPayload struct {
	CertificateID string `json:"certificateId"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable,omitempty"`
}

type transitionedPayload struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
