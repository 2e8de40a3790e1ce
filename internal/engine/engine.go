package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/metrics"
	"github.com/efreitasn/certauction/internal/store"
)

// Notifier receives every event the engine broadcasts. Implementations
// must not block on slow consumers.
type Notifier interface {
	Publish(ev domain.Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev domain.Event)

func (f NotifierFunc) Publish(ev domain.Event) { f(ev) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Publish(ev domain.Event) {
	for _, n := range ns {
		if n != nil {
			n.Publish(ev)
		}
	}
}

// Engine orchestrates bid acceptance and round transitions.
type Engine struct {
	store    store.Store
	ledger   *Ledger
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	locks    *keyedMutex
	now      func() time.Time
}

// NewEngine creates a new Engine with the given dependencies. notifier,
// m and logger may be nil.
func NewEngine(st store.Store, ledger *Ledger, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = Notifiers(nil)
	}
	return &Engine{
		store:    st,
		ledger:   ledger,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// Ledger returns the engine's bid ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// SubmitBid validates a bid against the latest ledger snapshot, persists it
// as the new WINNING bid while marking every other live bid OUTBID in one
// transaction, and only then updates the ledger and broadcasts.
//
// Rejections are returned as *domain.BidRejection. A persistence failure
// rolls back every write and is reported as a retryable rejection.
// Submissions for the same certificate are linearized.
func (e *Engine) SubmitBid(ctx context.Context, p BidProposal, callerID string) (*domain.Bid, error) {
	unlock := e.locks.Lock(p.CertificateID)
	defer unlock()

	cert, round, err := e.loadBidContext(ctx, p.CertificateID)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			e.logger.Error("bid context inconsistent",
				slog.String("certificate_id", p.CertificateID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		return nil, e.transientRejection(p, err)
	}

	var entry *LedgerEntry
	cached, cachedOK := e.ledger.Get(p.CertificateID)
	if cachedOK {
		entry = &cached
	}

	if rej := ValidateBid(p, cert, round, entry, callerID); rej != nil {
		return nil, e.rejected(p, rej)
	}

	bid := &domain.Bid{
		ID:            uuid.New().String(),
		CertificateID: p.CertificateID,
		BidderID:      p.BidderID,
		InterestRate:  p.InterestRate,
		Timestamp:     e.now(),
		Status:        domain.BidActive,
	}

	var outbid []*domain.Bid
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockCertificate(ctx, p.CertificateID)
		if err != nil {
			return err
		}
		if locked.Status != domain.CertificateAuctionActive {
			return domain.Reject(domain.RejectNotInActiveAuction)
		}

		// The ledger may lag a commit made elsewhere; the store decides.
		current, err := tx.WinningBid(ctx, p.CertificateID)
		if err != nil {
			return err
		}
		if current != nil && !p.InterestRate.LessThan(current.InterestRate) {
			return domain.Reject(domain.RejectNotLowerThanCurrent)
		}

		if err := tx.CreateBid(ctx, bid); err != nil {
			return err
		}

		live, err := tx.ListBids(ctx, store.BidFilter{CertificateID: p.CertificateID})
		if err != nil {
			return err
		}
		outbid = outbid[:0]
		for _, other := range live {
			if other.ID == bid.ID || !other.Status.Live() {
				continue
			}
			other.Status = domain.BidOutbid
			if err := tx.UpdateBid(ctx, other); err != nil {
				return err
			}
			outbid = append(outbid, other)
		}

		bid.Status = domain.BidWinning
		return tx.UpdateBid(ctx, bid)
	})
	if err != nil {
		var rej *domain.BidRejection
		if errors.As(err, &rej) {
			if rej.Reason == domain.RejectNotLowerThanCurrent {
				// Our cache was behind the store; catch up.
				if _, rerr := e.ledger.Rebuild(ctx, e.store, p.CertificateID); rerr != nil {
					e.logger.Warn("ledger rebuild failed", slog.String("certificate_id", p.CertificateID), slog.String("error", rerr.Error()))
				}
			}
			return nil, e.rejected(p, rej)
		}
		return nil, e.transientRejection(p, err)
	}

	var updated LedgerEntry
	if cachedOK {
		updated = e.ledger.Apply(bid)
	} else {
		updated, err = e.ledger.Rebuild(ctx, e.store, p.CertificateID)
		if err != nil {
			e.logger.Warn("ledger rebuild failed", slog.String("certificate_id", p.CertificateID), slog.String("error", err.Error()))
			updated = e.ledger.Apply(bid)
		}
	}
	e.metrics.BidAccepted()

	e.logger.Info("bid accepted",
		slog.String("bid_id", bid.ID),
		slog.String("certificate_id", bid.CertificateID),
		slog.String("bidder_id", bid.BidderID),
		slog.String("interest_rate", bid.InterestRate.String()),
		slog.Int("outbid", len(outbid)),
	)

	placed := domain.BidPlacedPayload{
		BidID:         bid.ID,
		CertificateID: bid.CertificateID,
		BidderID:      bid.BidderID,
		InterestRate:  bid.InterestRate,
	}
	for _, o := range outbid {
		placed.OutbidBidIDs = append(placed.OutbidBidIDs, o.ID)
		placed.OutbidBidderID = o.BidderID
	}
	now := e.now()
	for _, room := range certificateRooms(cert) {
		e.notifier.Publish(domain.NewEvent(domain.EventBidPlaced, room, now, placed))
		e.notifier.Publish(domain.NewEvent(domain.EventState, room, now, updated.Snapshot(cert.Status)))
	}

	return bid.Clone(), nil
}

// loadBidContext reads the certificate and its owning round. A missing
// certificate is not an error: the validator rejects it.
func (e *Engine) loadBidContext(ctx context.Context, certificateID string) (*domain.Certificate, *domain.Round, error) {
	cert, err := e.store.GetCertificate(ctx, certificateID)
	if errors.Is(err, domain.ErrCertificateNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	kind, id, owned := cert.Owner()
	if !owned {
		return cert, nil, nil
	}

	var round domain.Round
	switch kind {
	case domain.RoundBatch:
		b, err := e.store.GetBatch(ctx, id)
		if errors.Is(err, domain.ErrBatchNotFound) {
			return nil, nil, fmt.Errorf("%w: certificate %s references missing batch %s", domain.ErrIntegrity, cert.ID, id)
		}
		if err != nil {
			return nil, nil, err
		}
		round = b.Round()
	case domain.RoundAuction:
		a, err := e.store.GetAuction(ctx, id)
		if errors.Is(err, domain.ErrAuctionNotFound) {
			return nil, nil, fmt.Errorf("%w: certificate %s references missing auction %s", domain.ErrIntegrity, cert.ID, id)
		}
		if err != nil {
			return nil, nil, err
		}
		round = a.Round()
	}
	return cert, &round, nil
}

func (e *Engine) rejected(p BidProposal, rej *domain.BidRejection) error {
	e.metrics.BidRejected(string(rej.Reason))
	e.logger.Debug("bid rejected",
		slog.String("certificate_id", p.CertificateID),
		slog.String("bidder_id", p.BidderID),
		slog.String("interest_rate", p.InterestRate.String()),
		slog.String("reason", string(rej.Reason)),
	)
	return rej
}

func (e *Engine) transientRejection(p BidProposal, cause error) error {
	e.logger.Warn("bid persistence failed",
		slog.String("certificate_id", p.CertificateID),
		slog.String("bidder_id", p.BidderID),
		slog.String("error", cause.Error()),
	)
	e.metrics.BidRejected(string(domain.RejectTransientPersistence))
	return domain.Reject(domain.RejectTransientPersistence)
}

// certificateRooms lists the rooms that follow a certificate: its own
// room and, for legacy auctions, the auction room.
func certificateRooms(c *domain.Certificate) []string {
	rooms := []string{c.ID}
	if c.AuctionID != "" {
		rooms = append(rooms, c.AuctionID)
	}
	return rooms
}

// RoomInfo describes what a room id refers to, for join confirmations.
type RoomInfo struct {
	Kind   string // "certificate", "batch" or "auction"
	ID     string
	Status string
	State  *domain.LedgerSnapshot

	// Rooms lists every room that receives the certificate's bid
	// broadcasts. Empty for batches and auctions.
	Rooms []string
}

// Describe resolves a room id to a certificate, auction or batch and
// reports its current status.
func (e *Engine) Describe(ctx context.Context, id string) (*RoomInfo, error) {
	cert, err := e.store.GetCertificate(ctx, id)
	if err == nil {
		info := &RoomInfo{Kind: "certificate", ID: id, Status: string(cert.Status), Rooms: certificateRooms(cert)}
		if entry, ok := e.ledger.Get(id); ok {
			snap := entry.Snapshot(cert.Status)
			info.State = &snap
		}
		return info, nil
	}
	if !errors.Is(err, domain.ErrCertificateNotFound) {
		return nil, err
	}

	a, err := e.store.GetAuction(ctx, id)
	if err == nil {
		return &RoomInfo{Kind: string(domain.RoundAuction), ID: id, Status: string(a.Status)}, nil
	}
	if !errors.Is(err, domain.ErrAuctionNotFound) {
		return nil, err
	}

	b, err := e.store.GetBatch(ctx, id)
	if err == nil {
		return &RoomInfo{Kind: string(domain.RoundBatch), ID: id, Status: string(b.Status)}, nil
	}
	if errors.Is(err, domain.ErrBatchNotFound) {
		return nil, domain.ErrCertificateNotFound
	}
	return nil, err
}

// Warm runs the cold-start ledger reconciliation.
func (e *Engine) Warm(ctx context.Context) error {
	n, err := e.ledger.Reconcile(ctx, e.store)
	if err != nil {
		return err
	}
	e.logger.Info("ledger reconciled", slog.Int("active_certificates", n))
	return nil
}
