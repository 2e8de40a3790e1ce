package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/efreitasn/certauction/internal/auth"
	"github.com/efreitasn/certauction/internal/engine"
	"github.com/efreitasn/certauction/internal/service"
	"github.com/efreitasn/certauction/internal/store"
)

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	engine *engine.Engine
	admin  string
	alice  string
	bob    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	ledger := engine.NewLedger()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.NewEngine(st, ledger, nil, nil, logger)
	signer := auth.NewSigner("handler-test-secret")

	router := NewRouter(Deps{
		Certificates: service.NewCertificateService(st, ledger),
		Batches:      service.NewBatchService(st),
		Auctions:     service.NewAuctionService(st),
		Webhooks:     service.NewWebhookService(store.NewWebhookStore(), time.Second, logger),
		Engine:       eng,
		Verifier:     signer,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
	}, logger)

	issue := func(id auth.Identity) string {
		tok, err := signer.Issue(id, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		return tok
	}

	return &testEnv{
		router: router,
		store:  st,
		engine: eng,
		admin:  issue(auth.Identity{UserID: "ops", Role: auth.RoleAdmin}),
		alice:  issue(auth.Identity{UserID: "alice", Role: auth.RoleBidder}),
		bob:    issue(auth.Identity{UserID: "bob", Role: auth.RoleBidder}),
	}
}

// doJSON sends a JSON request with an optional bearer token and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// doRaw sends a raw request with optional content-type override.
func (env *testEnv) doRaw(t *testing.T, method, path, token, contentType, rawBody string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(rawBody))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	var resp errorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error != code {
		t.Fatalf("error = %q, want %q (message %q)", resp.Error, code, resp.Message)
	}
}

func (env *testEnv) createCertificate(t *testing.T, number string) string {
	t.Helper()
	rr := env.doJSON(t, "POST", "/certificates", env.admin, map[string]any{
		"certificate_number": number,
		"county_id":          "county-1",
		"parcel_id":          "P-" + number,
		"face_value":         "1500.00",
	})
	expectStatus(t, rr, http.StatusCreated)
	var resp certificateResponse
	decodeJSON(t, rr, &resp)
	return resp.ID
}

func (env *testEnv) createBatch(t *testing.T, certIDs ...string) string {
	t.Helper()
	start := time.Now().Add(time.Hour).UTC()
	rr := env.doJSON(t, "POST", "/batches", env.admin, map[string]any{
		"county_id":        "county-1",
		"start_time":       start.Format(time.RFC3339),
		"end_time":         start.Add(time.Hour).Format(time.RFC3339),
		"closing_interval": "1m",
		"certificate_ids":  certIDs,
	})
	expectStatus(t, rr, http.StatusCreated)
	var resp batchResponse
	decodeJSON(t, rr, &resp)
	return resp.ID
}

// activeCertificate creates a certificate inside a started batch.
func (env *testEnv) activeCertificate(t *testing.T, number string) (certID, batchID string) {
	t.Helper()
	certID = env.createCertificate(t, number)
	batchID = env.createBatch(t, certID)
	expectStatus(t, env.doJSON(t, "POST", "/batches/"+batchID+"/start", env.admin, nil), http.StatusOK)
	return certID, batchID
}

func (env *testEnv) bid(t *testing.T, token, certID, bidder string, rate any) *httptest.ResponseRecorder {
	t.Helper()
	return env.doJSON(t, "POST", "/certificates/"+certID+"/bids", token, map[string]any{
		"bidder_id":     bidder,
		"interest_rate": rate,
	})
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, "GET", "/healthz", "", nil)
	expectStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, "GET", "/metrics", "", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "# metrics") {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	expectError(t, env.doJSON(t, "GET", "/certificates", "", nil), http.StatusUnauthorized, "unauthorized")
	expectError(t, env.doJSON(t, "GET", "/certificates", "garbage", nil), http.StatusUnauthorized, "unauthorized")
	expectError(t, env.doJSON(t, "GET", "/certificates", env.alice, nil), http.StatusForbidden, "forbidden")
	expectError(t, env.doJSON(t, "POST", "/batches/x/cancel", env.bob, nil), http.StatusForbidden, "forbidden")
	expectStatus(t, env.doJSON(t, "GET", "/certificates", env.admin, nil), http.StatusOK)

	// The query parameter form used by browsers also works.
	expectStatus(t, env.doJSON(t, "GET", "/certificates?token="+env.admin, "", nil), http.StatusOK)
}

func TestContentTypeRequiredForBodies(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doRaw(t, "POST", "/certificates", env.admin, "text/plain", `{"certificate_number":"1"}`)
	expectError(t, rr, http.StatusBadRequest, "invalid_request")

	rr = env.doRaw(t, "POST", "/certificates", env.admin, "application/json", `{"certificate_number":`)
	expectError(t, rr, http.StatusBadRequest, "invalid_request")

	rr = env.doRaw(t, "POST", "/certificates", env.admin, "application/json", `{"unknown_field":1}`)
	expectError(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestCreateCertificate_Validation(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, "POST", "/certificates", env.admin, map[string]any{
		"certificate_number": "1",
		"county_id":          "county-1",
		"parcel_id":          "P",
		"face_value":         "-5",
	})
	expectError(t, rr, http.StatusBadRequest, "validation_error")
}

func TestBatchLifecycle_BidsAndSettlement(t *testing.T) {
	env := newTestEnv(t)
	certID, batchID := env.activeCertificate(t, "2024-0001")

	// alice opens at 6.
	rr := env.bid(t, env.alice, certID, "alice", 6)
	expectStatus(t, rr, http.StatusCreated)
	var first bidResponse
	decodeJSON(t, rr, &first)
	if first.Status != "WINNING" || first.InterestRate.String() != "6" {
		t.Fatalf("unexpected bid %+v", first)
	}

	// An equal rate is not an improvement.
	expectError(t, env.bid(t, env.bob, certID, "bob", "6"), http.StatusConflict, "not_lower_than_current")

	// bob undercuts.
	expectStatus(t, env.bid(t, env.bob, certID, "bob", "4.5"), http.StatusCreated)

	rr = env.doJSON(t, "GET", "/certificates/"+certID+"/bids", env.admin, nil)
	expectStatus(t, rr, http.StatusOK)
	var bids bidListResponse
	decodeJSON(t, rr, &bids)
	if len(bids.Bids) != 2 {
		t.Fatalf("got %d bids, want 2", len(bids.Bids))
	}
	if bids.Bids[0].BidderID != "bob" || bids.Bids[0].Status != "WINNING" {
		t.Errorf("first ranked bid = %+v, want bob WINNING", bids.Bids[0])
	}
	if bids.Bids[1].Status != "OUTBID" {
		t.Errorf("alice's bid status = %s, want OUTBID", bids.Bids[1].Status)
	}

	rr = env.doJSON(t, "GET", "/certificates/"+certID, env.admin, nil)
	expectStatus(t, rr, http.StatusOK)
	var cert certificateResponse
	decodeJSON(t, rr, &cert)
	if cert.State == nil || cert.State.LowestBid == nil || cert.State.LowestBid.String() != "4.5" || cert.State.BidCount != 2 {
		t.Fatalf("unexpected ledger state %+v", cert.State)
	}

	rr = env.doJSON(t, "POST", "/batches/"+batchID+"/close", env.admin, nil)
	expectStatus(t, rr, http.StatusOK)
	var batch batchResponse
	decodeJSON(t, rr, &batch)
	if batch.Status != "CLOSED" {
		t.Fatalf("batch status = %s, want CLOSED", batch.Status)
	}

	rr = env.doJSON(t, "GET", "/certificates/"+certID, env.admin, nil)
	decodeJSON(t, rr, &cert)
	if cert.Status != "SOLD" || cert.PurchaserID == nil || *cert.PurchaserID != "bob" {
		t.Fatalf("certificate after close = %+v", cert)
	}
	if cert.InterestRate == nil || cert.InterestRate.String() != "4.5" {
		t.Errorf("sold rate = %v, want 4.5", cert.InterestRate)
	}

	// Closed rounds do not move again.
	expectError(t, env.doJSON(t, "POST", "/batches/"+batchID+"/close", env.admin, nil), http.StatusConflict, "invalid_transition")
	expectError(t, env.bid(t, env.alice, certID, "alice", 0), http.StatusConflict, "not_in_active_auction")
}

func TestSubmitBid_Rejections(t *testing.T) {
	env := newTestEnv(t)
	certID, _ := env.activeCertificate(t, "2024-0002")

	tests := []struct {
		name   string
		token  string
		bidder string
		rate   any
		status int
		code   string
	}{
		{"bidder mismatch", env.alice, "bob", 6, http.StatusForbidden, "bidder_mismatch"},
		{"invalid increment", env.alice, "alice", 3, http.StatusUnprocessableEntity, "invalid_increment"},
		{"out of bounds", env.alice, "alice", "18.5", http.StatusUnprocessableEntity, "out_of_bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.bid(t, tt.token, certID, tt.bidder, tt.rate), tt.status, tt.code)
		})
	}

	expectError(t, env.bid(t, env.alice, "missing", "alice", 6), http.StatusNotFound, "certificate_not_found")

	rr := env.doJSON(t, "POST", "/certificates/"+certID+"/bids", env.alice, map[string]any{"bidder_id": "alice"})
	expectError(t, rr, http.StatusBadRequest, "validation_error")
}

func TestSubmitBid_ScheduledBatchRejected(t *testing.T) {
	env := newTestEnv(t)
	certID := env.createCertificate(t, "2024-0003")
	env.createBatch(t, certID)

	expectError(t, env.bid(t, env.alice, certID, "alice", 6), http.StatusConflict, "not_in_active_auction")
}

func TestBatch_CancelReturnsCertificates(t *testing.T) {
	env := newTestEnv(t)
	certID, batchID := env.activeCertificate(t, "2024-0004")
	expectStatus(t, env.bid(t, env.alice, certID, "alice", 7), http.StatusCreated)

	rr := env.doJSON(t, "POST", "/batches/"+batchID+"/cancel", env.admin, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = env.doJSON(t, "GET", "/certificates/"+certID, env.admin, nil)
	var cert certificateResponse
	decodeJSON(t, rr, &cert)
	if cert.Status != "AVAILABLE" || cert.BatchID != nil {
		t.Fatalf("certificate after cancel = %+v", cert)
	}

	rr = env.doJSON(t, "GET", "/certificates/"+certID+"/bids", env.admin, nil)
	var bids bidListResponse
	decodeJSON(t, rr, &bids)
	if len(bids.Bids) != 1 || bids.Bids[0].Status != "CANCELLED" {
		t.Fatalf("bids after cancel = %+v", bids.Bids)
	}

	// The certificate can join a new batch.
	env.createBatch(t, certID)
}

func TestBatch_OwnerConflictAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	certID := env.createCertificate(t, "2024-0005")
	env.createBatch(t, certID)

	start := time.Now().Add(time.Hour).UTC()
	rr := env.doJSON(t, "POST", "/batches", env.admin, map[string]any{
		"county_id":       "county-1",
		"start_time":      start.Format(time.RFC3339),
		"end_time":        start.Add(time.Hour).Format(time.RFC3339),
		"certificate_ids": []string{certID},
	})
	expectError(t, rr, http.StatusConflict, "owner_conflict")

	expectError(t, env.doJSON(t, "GET", "/batches/nope", env.admin, nil), http.StatusNotFound, "batch_not_found")
	expectError(t, env.doJSON(t, "POST", "/batches/nope/start", env.admin, nil), http.StatusNotFound, "batch_not_found")
}

func TestBatch_InvalidTimes(t *testing.T) {
	env := newTestEnv(t)
	base := map[string]any{
		"county_id":       "county-1",
		"start_time":      "2026-05-01T10:00:00Z",
		"end_time":        "2026-05-01T09:00:00Z",
		"certificate_ids": []string{"x"},
	}
	expectError(t, env.doJSON(t, "POST", "/batches", env.admin, base), http.StatusBadRequest, "validation_error")

	base["start_time"] = "tomorrow"
	expectError(t, env.doJSON(t, "POST", "/batches", env.admin, base), http.StatusBadRequest, "validation_error")

	base["start_time"] = "2026-05-01T08:00:00Z"
	base["closing_interval"] = "soon"
	expectError(t, env.doJSON(t, "POST", "/batches", env.admin, base), http.StatusBadRequest, "validation_error")
}

func TestAuctionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	sold := env.createCertificate(t, "2024-0010")
	unsold := env.createCertificate(t, "2024-0011")

	rr := env.doJSON(t, "POST", "/auctions", env.admin, map[string]any{
		"county_id":       "county-1",
		"auction_date":    "2026-06-01T09:00:00Z",
		"certificate_ids": []string{sold, unsold},
	})
	expectStatus(t, rr, http.StatusCreated)
	var auction auctionResponse
	decodeJSON(t, rr, &auction)
	if auction.Status != "UPCOMING" {
		t.Fatalf("auction status = %s, want UPCOMING", auction.Status)
	}

	expectStatus(t, env.doJSON(t, "POST", "/auctions/"+auction.ID+"/start", env.admin, nil), http.StatusOK)
	expectStatus(t, env.bid(t, env.alice, sold, "alice", 0), http.StatusCreated)

	rr = env.doJSON(t, "POST", "/auctions/"+auction.ID+"/complete", env.admin, nil)
	expectStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &auction)
	if auction.Status != "COMPLETED" {
		t.Fatalf("auction status = %s, want COMPLETED", auction.Status)
	}

	for id, want := range map[string]string{sold: "SOLD", unsold: "AUCTION_CLOSED"} {
		var cert certificateResponse
		decodeJSON(t, env.doJSON(t, "GET", "/certificates/"+id, env.admin, nil), &cert)
		if cert.Status != want {
			t.Errorf("certificate %s status = %s, want %s", id, cert.Status, want)
		}
	}

	expectError(t, env.doJSON(t, "POST", "/auctions/"+auction.ID+"/cancel", env.admin, nil), http.StatusConflict, "invalid_transition")

	rr = env.doJSON(t, "GET", "/auctions?status=COMPLETED", env.admin, nil)
	expectStatus(t, rr, http.StatusOK)
	var list auctionListResponse
	decodeJSON(t, rr, &list)
	if len(list.Auctions) != 1 {
		t.Fatalf("got %d completed auctions, want 1", len(list.Auctions))
	}
}

func TestCertificateStatusPatch(t *testing.T) {
	env := newTestEnv(t)
	certID := env.createCertificate(t, "2024-0020")

	rr := env.doJSON(t, "PATCH", "/certificates/"+certID+"/status", env.admin, map[string]string{"status": "REDEEMED"})
	expectStatus(t, rr, http.StatusOK)
	var cert certificateResponse
	decodeJSON(t, rr, &cert)
	if cert.Status != "REDEEMED" {
		t.Fatalf("status = %s, want REDEEMED", cert.Status)
	}

	rr = env.doJSON(t, "PATCH", "/certificates/"+certID+"/status", env.admin, map[string]string{"status": "AVAILABLE"})
	expectError(t, rr, http.StatusConflict, "invalid_transition")

	rr = env.doJSON(t, "PATCH", "/certificates/"+certID+"/status", env.admin, map[string]string{"status": "SOLD"})
	expectError(t, rr, http.StatusBadRequest, "validation_error")

	expectError(t, env.doJSON(t, "GET", "/certificates/nope", env.admin, nil), http.StatusNotFound, "certificate_not_found")
}

func TestListCertificates_Filters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createCertificate(t, "2024-0030")
	env.createCertificate(t, "2024-0031")
	env.createBatch(t, a)

	rr := env.doJSON(t, "GET", "/certificates?status=AVAILABLE", env.admin, nil)
	expectStatus(t, rr, http.StatusOK)
	var list certificateListResponse
	decodeJSON(t, rr, &list)
	if len(list.Certificates) != 1 || list.Certificates[0].CertificateNumber != "2024-0031" {
		t.Fatalf("unexpected list %+v", list.Certificates)
	}

	expectError(t, env.doJSON(t, "GET", "/certificates?status=LOST", env.admin, nil), http.StatusBadRequest, "validation_error")
}

func TestWebhooks(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, "PUT", "/webhooks", env.admin, map[string]any{
		"subscriber_id": "county-1",
		"url":           "https://example.com/hooks",
		"events":        []string{"auctionEnded", "auctionStarted"},
	})
	expectStatus(t, rr, http.StatusCreated)
	var created webhookListResponse
	decodeJSON(t, rr, &created)
	if len(created.Webhooks) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(created.Webhooks))
	}

	// Same registration again is an update, not a create.
	rr = env.doJSON(t, "PUT", "/webhooks", env.admin, map[string]any{
		"subscriber_id": "county-1",
		"url":           "https://example.com/hooks",
		"events":        []string{"auctionEnded"},
	})
	expectStatus(t, rr, http.StatusOK)

	rr = env.doJSON(t, "GET", "/webhooks?subscriber_id=county-1", env.admin, nil)
	expectStatus(t, rr, http.StatusOK)
	var list webhookListResponse
	decodeJSON(t, rr, &list)
	if len(list.Webhooks) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(list.Webhooks))
	}

	expectError(t, env.doJSON(t, "GET", "/webhooks", env.admin, nil), http.StatusBadRequest, "validation_error")

	path := fmt.Sprintf("/webhooks/%s", created.Webhooks[0].WebhookID)
	expectStatus(t, env.doJSON(t, "DELETE", path, env.admin, nil), http.StatusNoContent)
	expectError(t, env.doJSON(t, "DELETE", path, env.admin, nil), http.StatusNotFound, "webhook_not_found")

	rr = env.doJSON(t, "PUT", "/webhooks", env.admin, map[string]any{
		"subscriber_id": "county-1",
		"url":           "http://example.com/hooks",
		"events":        []string{"auctionEnded"},
	})
	expectError(t, rr, http.StatusBadRequest, "validation_error")
}
