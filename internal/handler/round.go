package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/service"
	"github.com/efreitasn/certauction/internal/store"
)

// RoundHandler handles HTTP requests for batches and legacy auctions.
type RoundHandler struct {
	batchSvc   *service.BatchService
	auctionSvc *service.AuctionService
	engine     Engine
}

// NewRoundHandler creates a new RoundHandler.
func NewRoundHandler(batchSvc *service.BatchService, auctionSvc *service.AuctionService, eng Engine) *RoundHandler {
	return &RoundHandler{batchSvc: batchSvc, auctionSvc: auctionSvc, engine: eng}
}

// createBatchRequest is the JSON request body for POST /batches.
// closing_interval is a Go duration string such as "2m".
type createBatchRequest struct {
	CountyID        string   `json:"county_id"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	ClosingInterval string   `json:"closing_interval"`
	CertificateIDs  []string `json:"certificate_ids"`
}

// createAuctionRequest is the JSON request body for POST /auctions.
type createAuctionRequest struct {
	CountyID       string   `json:"county_id"`
	AuctionDate    string   `json:"auction_date"`
	CertificateIDs []string `json:"certificate_ids"`
}

type batchResponse struct {
	ID              string   `json:"id"`
	CountyID        string   `json:"county_id"`
	Status          string   `json:"status"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	ClosingInterval string   `json:"closing_interval"`
	CertificateIDs  []string `json:"certificate_ids"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

type batchListResponse struct {
	Batches []batchResponse `json:"batches"`
}

type auctionResponse struct {
	ID          string `json:"id"`
	CountyID    string `json:"county_id"`
	AuctionDate string `json:"auction_date"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type auctionListResponse struct {
	Auctions []auctionResponse `json:"auctions"`
}

// CreateBatch handles POST /batches.
func (h *RoundHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "start_time must be a valid RFC 3339 timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "end_time must be a valid RFC 3339 timestamp")
		return
	}
	var closing time.Duration
	if req.ClosingInterval != "" {
		closing, err = time.ParseDuration(req.ClosingInterval)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "closing_interval must be a duration such as 2m")
			return
		}
	}

	batch, err := h.batchSvc.Create(r.Context(), service.CreateBatchRequest{
		CountyID:        req.CountyID,
		StartTime:       start,
		EndTime:         end,
		ClosingInterval: closing,
		CertificateIDs:  req.CertificateIDs,
	})
	if err != nil {
		mapRoundError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildBatchResponse(batch))
}

// ListBatches handles GET /batches.
func (h *RoundHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.batchSvc.List(r.Context(), domain.BatchStatus(r.URL.Query().Get("status")))
	if err != nil {
		mapRoundError(w, err)
		return
	}
	resp := batchListResponse{Batches: make([]batchResponse, len(batches))}
	for i, b := range batches {
		resp.Batches[i] = buildBatchResponse(b)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetBatch handles GET /batches/{batch_id}.
func (h *RoundHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.batchSvc.Get(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		mapRoundError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildBatchResponse(batch))
}

// StartBatch handles POST /batches/{batch_id}/start.
func (h *RoundHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	h.batchTransition(w, r, h.engine.StartBatch)
}

// CloseBatch handles POST /batches/{batch_id}/close.
func (h *RoundHandler) CloseBatch(w http.ResponseWriter, r *http.Request) {
	h.batchTransition(w, r, h.engine.CloseBatch)
}

// CancelBatch handles POST /batches/{batch_id}/cancel.
func (h *RoundHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	h.batchTransition(w, r, h.engine.CancelBatch)
}

func (h *RoundHandler) batchTransition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (*domain.CertificateBatch, error)) {
	batch, err := apply(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		mapRoundError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildBatchResponse(batch))
}

// CreateAuction handles POST /auctions.
func (h *RoundHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	date, err := time.Parse(time.RFC3339, req.AuctionDate)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "auction_date must be a valid RFC 3339 timestamp")
		return
	}

	auction, err := h.auctionSvc.Create(r.Context(), service.CreateAuctionRequest{
		CountyID:       req.CountyID,
		AuctionDate:    date,
		CertificateIDs: req.CertificateIDs,
	})
	if err != nil {
		mapRoundError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildAuctionResponse(auction))
}

// ListAuctions handles GET /auctions.
func (h *RoundHandler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	auctions, err := h.auctionSvc.List(r.Context(), store.AuctionFilter{
		Status:   domain.AuctionStatus(q.Get("status")),
		CountyID: q.Get("county_id"),
	})
	if err != nil {
		mapRoundError(w, err)
		return
	}
	resp := auctionListResponse{Auctions: make([]auctionResponse, len(auctions))}
	for i, a := range auctions {
		resp.Auctions[i] = buildAuctionResponse(a)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetAuction handles GET /auctions/{auction_id}.
func (h *RoundHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := h.auctionSvc.Get(r.Context(), chi.URLParam(r, "auction_id"))
	if err != nil {
		mapRoundError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildAuctionResponse(auction))
}

// StartAuction handles POST /auctions/{auction_id}/start.
func (h *RoundHandler) StartAuction(w http.ResponseWriter, r *http.Request) {
	h.auctionTransition(w, r, h.engine.StartAuction)
}

// CompleteAuction handles POST /auctions/{auction_id}/complete.
func (h *RoundHandler) CompleteAuction(w http.ResponseWriter, r *http.Request) {
	h.auctionTransition(w, r, h.engine.CompleteAuction)
}

// CancelAuction handles POST /auctions/{auction_id}/cancel.
func (h *RoundHandler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	h.auctionTransition(w, r, h.engine.CancelAuction)
}

func (h *RoundHandler) auctionTransition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (*domain.Auction, error)) {
	auction, err := apply(r.Context(), chi.URLParam(r, "auction_id"))
	if err != nil {
		mapRoundError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildAuctionResponse(auction))
}

func buildBatchResponse(b *domain.CertificateBatch) batchResponse {
	ids := b.CertificateIDs
	if ids == nil {
		ids = []string{}
	}
	return batchResponse{
		ID:              b.ID,
		CountyID:        b.CountyID,
		Status:          string(b.Status),
		StartTime:       formatTime(b.StartTime),
		EndTime:         formatTime(b.EndTime),
		ClosingInterval: b.ClosingInterval.String(),
		CertificateIDs:  ids,
		CreatedAt:       formatTime(b.CreatedAt),
		UpdatedAt:       formatTime(b.UpdatedAt),
	}
}

func buildAuctionResponse(a *domain.Auction) auctionResponse {
	return auctionResponse{
		ID:          a.ID,
		CountyID:    a.CountyID,
		AuctionDate: formatTime(a.AuctionDate),
		Status:      string(a.Status),
		CreatedAt:   formatTime(a.CreatedAt),
		UpdatedAt:   formatTime(a.UpdatedAt),
	}
}

// mapRoundError maps domain errors to HTTP responses for batch and auction
// endpoints. Transient failures are retryable and reported as 503.
func mapRoundError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrBatchNotFound):
		WriteError(w, http.StatusNotFound, "batch_not_found", "batch not found")
	case errors.Is(err, domain.ErrAuctionNotFound):
		WriteError(w, http.StatusNotFound, "auction_not_found", "auction not found")
	case errors.Is(err, domain.ErrCertificateNotFound):
		WriteError(w, http.StatusNotFound, "certificate_not_found", err.Error())
	case errors.Is(err, domain.ErrOwnerConflict):
		WriteError(w, http.StatusConflict, "owner_conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrTransient):
		WriteError(w, http.StatusServiceUnavailable, "transient_error", "temporary failure, please retry")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
