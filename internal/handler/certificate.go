package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/engine"
	"github.com/efreitasn/certauction/internal/service"
	"github.com/efreitasn/certauction/internal/store"
)

// CertificateHandler handles HTTP requests for certificate and bid endpoints.
type CertificateHandler struct {
	certSvc *service.CertificateService
	engine  Engine
}

// NewCertificateHandler creates a new CertificateHandler.
func NewCertificateHandler(certSvc *service.CertificateService, eng Engine) *CertificateHandler {
	return &CertificateHandler{certSvc: certSvc, engine: eng}
}

// createCertificateRequest is the JSON request body for POST /certificates.
type createCertificateRequest struct {
	CertificateNumber string `json:"certificate_number"`
	CountyID          string `json:"county_id"`
	ParcelID          string `json:"parcel_id"`
	FaceValue         string `json:"face_value"`
	Status            string `json:"status"`
}

// setStatusRequest is the JSON request body for PATCH /certificates/{id}/status.
type setStatusRequest struct {
	Status string `json:"status"`
}

// submitBidRequest is the JSON request body for POST /certificates/{id}/bids.
// interest_rate accepts a JSON number or a decimal string.
type submitBidRequest struct {
	BidderID     string           `json:"bidder_id"`
	InterestRate *decimal.Decimal `json:"interest_rate"`
}

type certificateResponse struct {
	ID                string                 `json:"id"`
	CertificateNumber string                 `json:"certificate_number"`
	CountyID          string                 `json:"county_id"`
	ParcelID          string                 `json:"parcel_id"`
	FaceValue         decimal.Decimal        `json:"face_value"`
	Status            string                 `json:"status"`
	InterestRate      *decimal.Decimal       `json:"interest_rate"`
	PurchaserID       *string                `json:"purchaser_id"`
	PurchaseDate      *string                `json:"purchase_date"`
	BatchID           *string                `json:"batch_id"`
	AuctionID         *string                `json:"auction_id"`
	AuctionDate       *string                `json:"auction_date"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at"`
	State             *domain.LedgerSnapshot `json:"state,omitempty"`
}

type certificateListResponse struct {
	Certificates []certificateResponse `json:"certificates"`
}

type bidResponse struct {
	ID            string          `json:"id"`
	CertificateID string          `json:"certificate_id"`
	BidderID      string          `json:"bidder_id"`
	InterestRate  decimal.Decimal `json:"interest_rate"`
	Status        string          `json:"status"`
	Timestamp     string          `json:"timestamp"`
}

type bidListResponse struct {
	Bids []bidResponse `json:"bids"`
}

// Create handles POST /certificates.
func (h *CertificateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCertificateRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cert, err := h.certSvc.Create(r.Context(), service.CreateCertificateRequest{
		CertificateNumber: req.CertificateNumber,
		CountyID:          req.CountyID,
		ParcelID:          req.ParcelID,
		FaceValue:         req.FaceValue,
		Status:            req.Status,
	})
	if err != nil {
		mapCertificateError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildCertificateResponse(cert, nil))
}

// List handles GET /certificates.
func (h *CertificateHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	certs, err := h.certSvc.List(r.Context(), store.CertificateFilter{
		Status:    domain.CertificateStatus(q.Get("status")),
		BatchID:   q.Get("batch_id"),
		AuctionID: q.Get("auction_id"),
		CountyID:  q.Get("county_id"),
	})
	if err != nil {
		mapCertificateError(w, err)
		return
	}

	resp := certificateListResponse{Certificates: make([]certificateResponse, len(certs))}
	for i, c := range certs {
		resp.Certificates[i] = buildCertificateResponse(c, nil)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /certificates/{certificate_id}.
func (h *CertificateHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.certSvc.Get(r.Context(), chi.URLParam(r, "certificate_id"))
	if err != nil {
		mapCertificateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildCertificateResponse(view.Certificate, view.State))
}

// SetStatus handles PATCH /certificates/{certificate_id}/status.
func (h *CertificateHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cert, err := h.certSvc.SetStatus(r.Context(), chi.URLParam(r, "certificate_id"), domain.CertificateStatus(req.Status))
	if err != nil {
		mapCertificateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildCertificateResponse(cert, nil))
}

// ListBids handles GET /certificates/{certificate_id}/bids.
func (h *CertificateHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.certSvc.ListBids(r.Context(), chi.URLParam(r, "certificate_id"))
	if err != nil {
		mapCertificateError(w, err)
		return
	}

	resp := bidListResponse{Bids: make([]bidResponse, len(bids))}
	for i, b := range bids {
		resp.Bids[i] = buildBidResponse(b)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// SubmitBid handles POST /certificates/{certificate_id}/bids. It runs the
// same acceptance path as a websocket placeBid.
func (h *CertificateHandler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req submitBidRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.BidderID == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "bidder_id is required")
		return
	}
	if req.InterestRate == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "interest_rate is required")
		return
	}

	caller, _ := identityFrom(r.Context())
	bid, err := h.engine.SubmitBid(r.Context(), engine.BidProposal{
		CertificateID: chi.URLParam(r, "certificate_id"),
		BidderID:      req.BidderID,
		InterestRate:  *req.InterestRate,
	}, caller.UserID)
	if err != nil {
		mapBidError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildBidResponse(bid))
}

func buildCertificateResponse(c *domain.Certificate, state *domain.LedgerSnapshot) certificateResponse {
	return certificateResponse{
		ID:                c.ID,
		CertificateNumber: c.CertificateNumber,
		CountyID:          c.CountyID,
		ParcelID:          c.ParcelID,
		FaceValue:         c.FaceValue,
		Status:            string(c.Status),
		InterestRate:      c.InterestRate,
		PurchaserID:       optionalString(c.PurchaserID),
		PurchaseDate:      optionalTime(c.PurchaseDate),
		BatchID:           optionalString(c.BatchID),
		AuctionID:         optionalString(c.AuctionID),
		AuctionDate:       optionalTime(c.AuctionDate),
		CreatedAt:         formatTime(c.CreatedAt),
		UpdatedAt:         formatTime(c.UpdatedAt),
		State:             state,
	}
}

func buildBidResponse(b *domain.Bid) bidResponse {
	return bidResponse{
		ID:            b.ID,
		CertificateID: b.CertificateID,
		BidderID:      b.BidderID,
		InterestRate:  b.InterestRate,
		Status:        string(b.Status),
		Timestamp:     formatTime(b.Timestamp),
	}
}

// mapCertificateError maps domain errors to HTTP responses for certificate endpoints.
func mapCertificateError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrCertificateNotFound):
		WriteError(w, http.StatusNotFound, "certificate_not_found", "certificate not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		WriteError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

// bidRejectionStatus maps rejection reasons to HTTP status codes.
var bidRejectionStatus = map[domain.RejectReason]int{
	domain.RejectBidderMismatch:       http.StatusForbidden,
	domain.RejectCertificateNotFound:  http.StatusNotFound,
	domain.RejectNotInActiveAuction:   http.StatusConflict,
	domain.RejectRoundNotActive:       http.StatusConflict,
	domain.RejectOutOfBounds:          http.StatusUnprocessableEntity,
	domain.RejectInvalidIncrement:     http.StatusUnprocessableEntity,
	domain.RejectNotLowerThanCurrent:  http.StatusConflict,
	domain.RejectTransientPersistence: http.StatusServiceUnavailable,
}

// mapBidError maps bid rejections to HTTP responses. The error code is the
// rejection reason.
func mapBidError(w http.ResponseWriter, err error) {
	var rej *domain.BidRejection
	if errors.As(err, &rej) {
		status, ok := bidRejectionStatus[rej.Reason]
		if !ok {
			status = http.StatusUnprocessableEntity
		}
		WriteError(w, status, string(rej.Reason), rej.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
}
