package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEvent_Encode(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.FixedZone("X", 3600))
	ev := NewEvent(EventBidPlaced, "cert-1", at, BidPlacedPayload{
		BidID:         "b1",
		CertificateID: "cert-1",
		BidderID:      "u1",
		InterestRate:  decimal.RequireFromString("4.5"),
	})
	if ev.ID == "" {
		t.Fatal("NewEvent should assign an id")
	}

	raw, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != "bid-placed" || f.Room != "cert-1" || f.ID != ev.ID {
		t.Errorf("unexpected frame header %+v", f)
	}
	if f.At != "2026-05-01T08:00:00Z" {
		t.Errorf("At = %q, want UTC timestamp", f.At)
	}

	var p struct {
		InterestRate string `json:"interestRate"`
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if p.InterestRate != "4.5" {
		t.Errorf("interestRate = %q, want \"4.5\"", p.InterestRate)
	}
}

func TestEvent_EncodeWithoutData(t *testing.T) {
	raw, err := NewEvent(EventHeartbeat, "", time.Now(), nil).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := m["data"]; ok {
		t.Error("heartbeat frame should omit data")
	}
	if _, ok := m["room"]; ok {
		t.Error("broadcast frame should omit room")
	}
}
