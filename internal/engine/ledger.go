package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/store"
)

// LedgerEntry is the cached current-winning-bid summary for a certificate.
// LowestBid is nil until the first bid is accepted.
type LedgerEntry struct {
	CertificateID  string
	LowestBid      *decimal.Decimal
	LowestBidderID string
	BidCount       int
	LastBidTime    time.Time
}

// Snapshot renders the entry as the auction:state payload.
func (e LedgerEntry) Snapshot(status domain.CertificateStatus) domain.LedgerSnapshot {
	s := domain.LedgerSnapshot{
		CertificateID:  e.CertificateID,
		Status:         string(status),
		LowestBid:      e.LowestBid,
		LowestBidderID: e.LowestBidderID,
		BidCount:       e.BidCount,
	}
	if !e.LastBidTime.IsZero() {
		t := e.LastBidTime
		s.LastBidTime = &t
	}
	return s
}

// Ledger is an in-memory index of LedgerEntry by certificate id. It is a
// derived cache: the store remains the system of record and the ledger can
// be rebuilt from it at any time.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]LedgerEntry
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]LedgerEntry),
	}
}

// Get returns a copy of the entry for the certificate.
func (l *Ledger) Get(certificateID string) (LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[certificateID]
	return e, ok
}

// Reset replaces any entry for the certificate with an empty one.
func (l *Ledger) Reset(certificateID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[certificateID] = LedgerEntry{CertificateID: certificateID}
}

// Apply records a committed winning bid.
func (l *Ledger) Apply(bid *domain.Bid) LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[bid.CertificateID]
	rate := bid.InterestRate
	e.CertificateID = bid.CertificateID
	e.LowestBid = &rate
	e.LowestBidderID = bid.BidderID
	e.BidCount++
	e.LastBidTime = bid.Timestamp
	l.entries[bid.CertificateID] = e
	return e
}

// Set replaces the entry wholesale.
func (l *Ledger) Set(e LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.CertificateID] = e
}

// Remove drops the entry for the certificate.
func (l *Ledger) Remove(certificateID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, certificateID)
}

// Len returns the number of tracked certificates.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Rebuild reconstructs the entry for one certificate from the store.
func (l *Ledger) Rebuild(ctx context.Context, r store.Reader, certificateID string) (LedgerEntry, error) {
	entry := LedgerEntry{CertificateID: certificateID}

	winner, err := r.WinningBid(ctx, certificateID)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger: winning bid for %s: %w", certificateID, err)
	}
	count, err := r.CountBids(ctx, certificateID)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger: count bids for %s: %w", certificateID, err)
	}

	entry.BidCount = count
	if winner != nil {
		rate := winner.InterestRate
		entry.LowestBid = &rate
		entry.LowestBidderID = winner.BidderID
		entry.LastBidTime = winner.Timestamp
	}
	l.Set(entry)
	return entry, nil
}

// Reconcile is the cold-start pass: it rebuilds an entry for every
// AUCTION_ACTIVE certificate and drops entries for everything else.
// Run it before accepting bids.
func (l *Ledger) Reconcile(ctx context.Context, r store.Reader) (int, error) {
	active, err := r.ListCertificates(ctx, store.CertificateFilter{Status: domain.CertificateAuctionActive})
	if err != nil {
		return 0, fmt.Errorf("ledger: list active certificates: %w", err)
	}

	keep := make(map[string]bool, len(active))
	for _, c := range active {
		if _, err := l.Rebuild(ctx, r, c.ID); err != nil {
			return 0, err
		}
		keep[c.ID] = true
	}

	l.mu.Lock()
	for id := range l.entries {
		if !keep[id] {
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()

	return len(active), nil
}
