package handler

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/certauction/internal/auth"
	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/engine"
	"github.com/efreitasn/certauction/internal/service"
)

// Engine is the subset of the auction engine the REST surface drives.
type Engine interface {
	SubmitBid(ctx context.Context, p engine.BidProposal, callerID string) (*domain.Bid, error)
	StartBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	CloseBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	CancelBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	StartAuction(ctx context.Context, id string) (*domain.Auction, error)
	CompleteAuction(ctx context.Context, id string) (*domain.Auction, error)
	CancelAuction(ctx context.Context, id string) (*domain.Auction, error)
}

// Deps holds everything the router serves.
type Deps struct {
	Certificates *service.CertificateService
	Batches      *service.BatchService
	Auctions     *service.AuctionService
	Webhooks     *service.WebhookService
	Engine       Engine
	Verifier     auth.Verifier
	// Realtime is the websocket gateway mounted at /ws.
	Realtime http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(d Deps, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	certH := NewCertificateHandler(d.Certificates, d.Engine)
	roundH := NewRoundHandler(d.Batches, d.Auctions, d.Engine)
	webhookH := NewWebhookHandler(d.Webhooks)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Realtime != nil {
		r.Method(http.MethodGet, "/ws", d.Realtime)
	}

	r.Group(func(r chi.Router) {
		r.Use(authenticate(d.Verifier))

		// Any authenticated bidder.
		r.Post("/certificates/{certificate_id}/bids", certH.SubmitBid)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)

			r.Post("/certificates", certH.Create)
			r.Get("/certificates", certH.List)
			r.Get("/certificates/{certificate_id}", certH.Get)
			r.Patch("/certificates/{certificate_id}/status", certH.SetStatus)
			r.Get("/certificates/{certificate_id}/bids", certH.ListBids)

			r.Post("/batches", roundH.CreateBatch)
			r.Get("/batches", roundH.ListBatches)
			r.Get("/batches/{batch_id}", roundH.GetBatch)
			r.Post("/batches/{batch_id}/start", roundH.StartBatch)
			r.Post("/batches/{batch_id}/close", roundH.CloseBatch)
			r.Post("/batches/{batch_id}/cancel", roundH.CancelBatch)

			r.Post("/auctions", roundH.CreateAuction)
			r.Get("/auctions", roundH.ListAuctions)
			r.Get("/auctions/{auction_id}", roundH.GetAuction)
			r.Post("/auctions/{auction_id}/start", roundH.StartAuction)
			r.Post("/auctions/{auction_id}/complete", roundH.CompleteAuction)
			r.Post("/auctions/{auction_id}/cancel", roundH.CancelAuction)

			r.Put("/webhooks", webhookH.Upsert)
			r.Get("/webhooks", webhookH.List)
			r.Delete("/webhooks/{webhook_id}", webhookH.Delete)
		})
	})

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
// Hijack is forwarded so the websocket upgrade works through the logger.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests that carry a body. Action endpoints such as
// POST /batches/{id}/cancel take no body and need no header.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
