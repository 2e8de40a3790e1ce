package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/store"
)

// certificateOutcome is what happened to one member certificate during a
// round transition.
type certificateOutcome struct {
	cert   *domain.Certificate
	winner *domain.Bid // set when the certificate was sold
}

// roundOutcome is the committed result of a round transition.
type roundOutcome struct {
	round   domain.Round
	members []certificateOutcome
	batch   *domain.CertificateBatch
	auction *domain.Auction
}

// StartBatch moves a SCHEDULED batch to ACTIVE and every member
// certificate to AUCTION_ACTIVE.
func (e *Engine) StartBatch(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	out, err := e.transition(ctx, domain.RoundBatch, id, domain.PhaseActive)
	if err != nil {
		return nil, err
	}
	return out.batch, nil
}

// CloseBatch moves an ACTIVE batch to CLOSED and settles every member
// certificate: SOLD to its WINNING bid, or AUCTION_CLOSED without one.
func (e *Engine) CloseBatch(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	out, err := e.transition(ctx, domain.RoundBatch, id, domain.PhaseClosed)
	if err != nil {
		return nil, err
	}
	return out.batch, nil
}

// CancelBatch cancels a SCHEDULED or ACTIVE batch and releases its
// certificates back to AVAILABLE.
func (e *Engine) CancelBatch(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	out, err := e.transition(ctx, domain.RoundBatch, id, domain.PhaseCancelled)
	if err != nil {
		return nil, err
	}
	return out.batch, nil
}

// StartAuction moves an UPCOMING auction to ACTIVE.
func (e *Engine) StartAuction(ctx context.Context, id string) (*domain.Auction, error) {
	out, err := e.transition(ctx, domain.RoundAuction, id, domain.PhaseActive)
	if err != nil {
		return nil, err
	}
	return out.auction, nil
}

// CompleteAuction moves an ACTIVE auction to COMPLETED and settles its
// certificates. Completing an auction twice fails the second time.
func (e *Engine) CompleteAuction(ctx context.Context, id string) (*domain.Auction, error) {
	out, err := e.transition(ctx, domain.RoundAuction, id, domain.PhaseClosed)
	if err != nil {
		return nil, err
	}
	return out.auction, nil
}

// CancelAuction cancels an UPCOMING or ACTIVE auction.
func (e *Engine) CancelAuction(ctx context.Context, id string) (*domain.Auction, error) {
	out, err := e.transition(ctx, domain.RoundAuction, id, domain.PhaseCancelled)
	if err != nil {
		return nil, err
	}
	return out.auction, nil
}

// transition applies a phase change to a round and cascades it to every
// member certificate inside one transaction. Either the round and all of
// its certificates change, or nothing does. A precondition failure on the
// round returns domain.ErrInvalidTransition.
func (e *Engine) transition(ctx context.Context, kind domain.RoundKind, id string, to domain.Phase) (*roundOutcome, error) {
	now := e.now()
	var out *roundOutcome

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		out = &roundOutcome{}
		memberIDs, err := advanceRound(ctx, tx, kind, id, to, now, out)
		if err != nil {
			return err
		}

		for _, certID := range memberIDs {
			cert, err := tx.LockCertificate(ctx, certID)
			if errors.Is(err, domain.ErrCertificateNotFound) {
				return fmt.Errorf("%w: %s %s lists missing certificate %s", domain.ErrIntegrity, kind, id, certID)
			}
			if err != nil {
				return err
			}
			if owner, ownerID, _ := cert.Owner(); owner != kind || ownerID != id {
				return fmt.Errorf("%w: certificate %s is not owned by %s %s", domain.ErrIntegrity, certID, kind, id)
			}

			co, err := cascade(ctx, tx, cert, to, now)
			if errors.Is(err, domain.ErrInvalidTransition) {
				return fmt.Errorf("%w: certificate %s cannot leave %s", domain.ErrIntegrity, certID, cert.Status)
			}
			if err != nil {
				return fmt.Errorf("certificate %s: %w", certID, err)
			}
			if co == nil {
				continue
			}
			if err := tx.UpdateCertificate(ctx, co.cert); err != nil {
				return err
			}
			out.members = append(out.members, *co)
		}
		return nil
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		result = "rejected"
	case errors.Is(err, domain.ErrIntegrity):
		result = "failed"
	default:
		result = "error"
	}
	e.metrics.Transition(string(kind), to.String(), result)

	if err != nil {
		switch result {
		case "rejected":
			e.logger.Info("transition rejected",
				slog.String("kind", string(kind)),
				slog.String("id", id),
				slog.String("to", to.String()),
			)
		case "failed":
			e.logger.Error("transition rolled back",
				slog.String("kind", string(kind)),
				slog.String("id", id),
				slog.String("to", to.String()),
				slog.String("error", err.Error()),
			)
		default:
			e.logger.Warn("transition failed",
				slog.String("kind", string(kind)),
				slog.String("id", id),
				slog.String("to", to.String()),
				slog.String("error", err.Error()),
			)
		}
		if result == "error" && !isNotFound(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		return nil, err
	}

	e.afterCommit(out, to, now)
	return out, nil
}

// advanceRound locks the round inside tx, applies the phase change and
// returns the ids of its member certificates. The lock keeps a concurrent
// transition from acting on a status this one is about to replace.
func advanceRound(ctx context.Context, tx store.Tx, kind domain.RoundKind, id string, to domain.Phase, now time.Time, out *roundOutcome) ([]string, error) {
	switch kind {
	case domain.RoundBatch:
		b, err := tx.LockBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := b.Advance(to, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return nil, err
		}
		out.batch = b
		out.round = b.Round()
		return b.CertificateIDs, nil

	case domain.RoundAuction:
		a, err := tx.LockAuction(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := a.Advance(to, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return nil, err
		}
		members, err := tx.ListCertificates(ctx, store.CertificateFilter{AuctionID: id})
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(members))
		for i, c := range members {
			ids[i] = c.ID
		}
		out.auction = a
		out.round = a.Round()
		return ids, nil
	}
	return nil, fmt.Errorf("unknown round kind %q", kind)
}

// cascade applies the certificate side of a round transition. It returns
// nil when the certificate is left untouched.
func cascade(ctx context.Context, tx store.Tx, cert *domain.Certificate, to domain.Phase, now time.Time) (*certificateOutcome, error) {
	switch to {
	case domain.PhaseActive:
		if err := cert.Transition(domain.CertificateAuctionActive, now); err != nil {
			return nil, err
		}
		return &certificateOutcome{cert: cert}, nil

	case domain.PhaseClosed:
		winner, err := tx.WinningBid(ctx, cert.ID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			if err := cert.Transition(domain.CertificateAuctionClosed, now); err != nil {
				return nil, err
			}
			return &certificateOutcome{cert: cert}, nil
		}
		if err := cert.Settle(winner, now); err != nil {
			return nil, err
		}
		return &certificateOutcome{cert: cert, winner: winner}, nil

	case domain.PhaseCancelled:
		if cert.Status != domain.CertificateAuctionScheduled && cert.Status != domain.CertificateAuctionActive {
			return nil, nil
		}
		if err := cert.Transition(domain.CertificateAvailable, now); err != nil {
			return nil, err
		}
		cert.BatchID = ""
		cert.AuctionID = ""
		bids, err := tx.ListBids(ctx, store.BidFilter{CertificateID: cert.ID})
		if err != nil {
			return nil, err
		}
		for _, b := range bids {
			if !b.Status.Live() {
				continue
			}
			b.Status = domain.BidCancelled
			if err := tx.UpdateBid(ctx, b); err != nil {
				return nil, err
			}
		}
		return &certificateOutcome{cert: cert}, nil
	}
	return nil, fmt.Errorf("unknown phase %s", to)
}

// afterCommit updates the ledger and broadcasts the committed transition.
// Ledger writes hold the certificate's lock so a bid that committed before
// the transition cannot reinstate its entry afterwards.
func (e *Engine) afterCommit(out *roundOutcome, to domain.Phase, now time.Time) {
	round := out.round
	e.logger.Info("round transitioned",
		slog.String("kind", string(round.Kind)),
		slog.String("id", round.ID),
		slog.String("status", round.Status),
		slog.Int("certificates", len(out.members)),
	)

	var roundEvent domain.EventType
	switch to {
	case domain.PhaseActive:
		roundEvent = domain.EventAuctionStarted
	case domain.PhaseClosed:
		roundEvent = domain.EventAuctionEnded
	case domain.PhaseCancelled:
		roundEvent = domain.EventAuctionCancelled
	}

	for _, m := range out.members {
		c := m.cert
		unlock := e.locks.Lock(c.ID)
		if to == domain.PhaseActive {
			e.ledger.Reset(c.ID)
		} else {
			e.ledger.Remove(c.ID)
		}
		unlock()

		switch to {
		case domain.PhaseActive:
			e.notifier.Publish(domain.NewEvent(domain.EventAuctionStarted, c.ID, now, domain.RoundPayload{
				Kind:          round.Kind,
				RoundID:       round.ID,
				Status:        string(c.Status),
				CertificateID: c.ID,
			}))
		case domain.PhaseClosed:
			payload := domain.EndedPayload{
				Kind:          round.Kind,
				RoundID:       round.ID,
				CertificateID: c.ID,
				Status:        string(c.Status),
			}
			if m.winner != nil {
				payload.WinnerID = m.winner.BidderID
				payload.InterestRate = c.InterestRate
			}
			e.notifier.Publish(domain.NewEvent(domain.EventAuctionEnded, c.ID, now, payload))
		case domain.PhaseCancelled:
			e.notifier.Publish(domain.NewEvent(domain.EventAuctionCancelled, c.ID, now, domain.RoundPayload{
				Kind:          round.Kind,
				RoundID:       round.ID,
				Status:        string(c.Status),
				CertificateID: c.ID,
			}))
		}
	}

	e.notifier.Publish(domain.NewEvent(roundEvent, round.ID, now, domain.RoundPayload{
		Kind:    round.Kind,
		RoundID: round.ID,
		Status:  round.Status,
	}))
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrBatchNotFound) ||
		errors.Is(err, domain.ErrAuctionNotFound) ||
		errors.Is(err, domain.ErrCertificateNotFound)
}
