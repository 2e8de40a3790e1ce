package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names an outbound realtime message.
type EventType string

const (
	EventHeartbeat        EventType = "heartbeat"
	EventState            EventType = "auction:state"
	EventBidPlaced        EventType = "bid-placed"
	EventAuctionStarted   EventType = "auctionStarted"
	EventAuctionEnded     EventType = "auctionEnded"
	EventAuctionCancelled EventType = "auctionCancelled"
)

// Event is a broadcast produced by the engine or scheduler. Room is a
// certificate or auction id; an empty Room addresses every connection.
type Event struct {
	ID   string
	Type EventType
	Room string
	At   time.Time
	Data any
}

// NewEvent stamps a new event with an id and the given time.
func NewEvent(typ EventType, room string, at time.Time, data any) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: typ,
		Room: room,
		At:   at,
		Data: data,
	}
}

// Frame is the wire encoding shared by websocket clients, the Redis bridge
// and the archival feed.
type Frame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	At   string          `json:"at,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode renders the event as a JSON frame.
func (e Event) Encode() ([]byte, error) {
	var data json.RawMessage
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Frame{
		ID:   e.ID,
		Type: string(e.Type),
		Room: e.Room,
		At:   e.At.UTC().Format(time.RFC3339Nano),
		Data: data,
	})
}

// LedgerSnapshot is the auction:state payload.
type LedgerSnapshot struct {
	CertificateID  string           `json:"certificateId"`
	Status         string           `json:"status,omitempty"`
	LowestBid      *decimal.Decimal `json:"lowestBid"`
	LowestBidderID string           `json:"lowestBidderId,omitempty"`
	BidCount       int              `json:"bidCount"`
	LastBidTime    *time.Time       `json:"lastBidTime,omitempty"`
}

// BidPlacedPayload announces an accepted bid to the certificate's room.
type BidPlacedPayload struct {
	BidID          string          `json:"bidId"`
	CertificateID  string          `json:"certificateId"`
	BidderID       string          `json:"bidderId"`
	InterestRate   decimal.Decimal `json:"interestRate"`
	OutbidBidIDs   []string        `json:"outbidBidIds,omitempty"`
	OutbidBidderID string          `json:"outbidBidderId,omitempty"`
}

// RoundPayload announces a round-level transition.
type RoundPayload struct {
	Kind          RoundKind `json:"kind"`
	RoundID       string    `json:"roundId"`
	Status        string    `json:"status"`
	CertificateID string    `json:"certificateId,omitempty"`
}

// EndedPayload announces a certificate's outcome when its round closes.
type EndedPayload struct {
	Kind          RoundKind        `json:"kind"`
	RoundID       string           `json:"roundId"`
	CertificateID string           `json:"certificateId"`
	Status        string           `json:"status"`
	WinnerID      string           `json:"winnerId,omitempty"`
	InterestRate  *decimal.Decimal `json:"interestRate,omitempty"`
}
