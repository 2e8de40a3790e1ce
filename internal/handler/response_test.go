package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/certauction/internal/domain"
)

// decodeBody writes v through WriteJSON and decodes the result generically.
func decodeBody(t *testing.T, v any) map[string]any {
	t.Helper()
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, v)
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return raw
}

func TestCertificateResponse_AvailableHasNullOptionals(t *testing.T) {
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	c := &domain.Certificate{
		ID:                "c1",
		CertificateNumber: "2026-0001",
		CountyID:          "county-1",
		ParcelID:          "P-9",
		FaceValue:         decimal.RequireFromString("1250.75"),
		Status:            domain.CertificateAvailable,
		CreatedAt:         created,
		UpdatedAt:         created,
	}

	raw := decodeBody(t, buildCertificateResponse(c, nil))

	if raw["face_value"] != "1250.75" {
		t.Errorf("face_value = %v, want string 1250.75", raw["face_value"])
	}
	for _, key := range []string{"interest_rate", "purchaser_id", "purchase_date", "batch_id", "auction_id", "auction_date"} {
		v, ok := raw[key]
		if !ok {
			t.Errorf("%s missing, want explicit null", key)
		} else if v != nil {
			t.Errorf("%s = %v, want null", key, v)
		}
	}
	if _, ok := raw["state"]; ok {
		t.Error("state present without a ledger snapshot")
	}
	if raw["created_at"] != "2026-02-01T08:00:00Z" {
		t.Errorf("created_at = %v", raw["created_at"])
	}
}

func TestCertificateResponse_SoldCarriesRateAndPurchase(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	purchased := time.Date(2026, 5, 1, 4, 0, 0, 500, est)
	r := decimal.RequireFromString("4.2500")
	c := &domain.Certificate{
		ID:           "c1",
		FaceValue:    decimal.NewFromInt(900),
		Status:       domain.CertificateSold,
		InterestRate: &r,
		PurchaserID:  "bidder-7",
		PurchaseDate: &purchased,
		BatchID:      "b1",
	}
	lowest := decimal.RequireFromString("4.25")
	state := &domain.LedgerSnapshot{CertificateID: "c1", LowestBid: &lowest, BidCount: 3}

	raw := decodeBody(t, buildCertificateResponse(c, state))

	if raw["interest_rate"] != "4.25" {
		t.Errorf("interest_rate = %v, want string 4.25", raw["interest_rate"])
	}
	if raw["purchaser_id"] != "bidder-7" || raw["batch_id"] != "b1" {
		t.Errorf("purchaser_id = %v, batch_id = %v", raw["purchaser_id"], raw["batch_id"])
	}
	if raw["purchase_date"] != "2026-05-01T09:00:00.0000005Z" {
		t.Errorf("purchase_date = %v, want UTC", raw["purchase_date"])
	}
	if raw["auction_id"] != nil {
		t.Errorf("auction_id = %v, want null", raw["auction_id"])
	}
	st, ok := raw["state"].(map[string]any)
	if !ok {
		t.Fatalf("state = %v, want object", raw["state"])
	}
	if st["lowestBid"] != "4.25" || st["bidCount"] != float64(3) {
		t.Errorf("state = %v", st)
	}
}

func TestBidResponse_RateIsExactString(t *testing.T) {
	tests := []struct {
		rate string
		want string
	}{
		{"0", "0"},
		{"5", "5"},
		{"6.1234", "6.1234"},
		{"17.9999", "17.9999"},
	}
	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			b := &domain.Bid{
				ID:            "bid-1",
				CertificateID: "c1",
				BidderID:      "u1",
				InterestRate:  decimal.RequireFromString(tt.rate),
				Status:        domain.BidWinning,
				Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			}
			raw := decodeBody(t, buildBidResponse(b))
			if raw["interest_rate"] != tt.want {
				t.Errorf("interest_rate = %#v, want %q", raw["interest_rate"], tt.want)
			}
			if raw["status"] != "WINNING" || raw["timestamp"] != "2026-03-01T10:00:00Z" {
				t.Errorf("status = %v, timestamp = %v", raw["status"], raw["timestamp"])
			}
		})
	}
}

func TestMapCertificateError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &domain.ValidationError{Message: "face_value is required"}, http.StatusBadRequest, "validation_error"},
		{"not found", fmt.Errorf("load: %w", domain.ErrCertificateNotFound), http.StatusNotFound, "certificate_not_found"},
		{"duplicate number", domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
		{"bad status move", domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mapCertificateError(w, tt.err)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tt.code {
				t.Errorf("error = %q, want %q", resp.Error, tt.code)
			}
		})
	}
}

func TestMapBidError(t *testing.T) {
	tests := []struct {
		reason domain.RejectReason
		status int
	}{
		{domain.RejectBidderMismatch, http.StatusForbidden},
		{domain.RejectCertificateNotFound, http.StatusNotFound},
		{domain.RejectRoundNotActive, http.StatusConflict},
		{domain.RejectOutOfBounds, http.StatusUnprocessableEntity},
		{domain.RejectInvalidIncrement, http.StatusUnprocessableEntity},
		{domain.RejectNotLowerThanCurrent, http.StatusConflict},
		{domain.RejectTransientPersistence, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			w := httptest.NewRecorder()
			mapBidError(w, fmt.Errorf("submit: %w", domain.Reject(tt.reason)))
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != string(tt.reason) || resp.Message == "" {
				t.Errorf("body = %+v", resp)
			}
		})
	}

	w := httptest.NewRecorder()
	mapBidError(w, errors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("non-rejection status = %d, want 500", w.Code)
	}
}

func TestParseJSON_BidRequest(t *testing.T) {
	type bidBody struct {
		BidderID     string           `json:"bidder_id"`
		InterestRate *decimal.Decimal `json:"interest_rate"`
	}
	tests := []struct {
		name        string
		contentType string
		body        string
		wantErr     bool
		wantRate    string
	}{
		{"string rate", "application/json", `{"bidder_id":"u1","interest_rate":"6.25"}`, false, "6.25"},
		{"numeric rate", "application/json; charset=utf-8", `{"bidder_id":"u1","interest_rate":6.25}`, false, "6.25"},
		{"missing content type", "", `{"bidder_id":"u1"}`, true, ""},
		{"wrong content type", "text/plain", `{"bidder_id":"u1"}`, true, ""},
		{"malformed", "application/json", `{"bidder_id":`, true, ""},
		{"unknown field", "application/json", `{"bidder_id":"u1","max_rate":"9"}`, true, ""},
		{"non-numeric rate", "application/json", `{"interest_rate":"six"}`, true, ""},
		{"empty body", "application/json", ``, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/certificates/c1/bids", strings.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			var got bidBody
			err := ParseJSON(r, &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if !strings.Contains(err.Error(), "Content-Type: application/json") {
					t.Errorf("error = %q", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.InterestRate == nil || !got.InterestRate.Equal(decimal.RequireFromString(tt.wantRate)) {
				t.Errorf("interest_rate = %v, want %s", got.InterestRate, tt.wantRate)
			}
		})
	}
}
