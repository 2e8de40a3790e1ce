package store

import (
	"context"
	"sort"
	"sync"

	"github.com/efreitasn/certauction/internal/domain"
)

// MemoryStore is a thread-safe in-memory Store. Transactions are
// serialized behind a single write lock and roll back through an undo log.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			certificates: make(map[string]*domain.Certificate),
			batches:      make(map[string]*domain.CertificateBatch),
			auctions:     make(map[string]*domain.Auction),
			bids:         make(map[string]*domain.Bid),
			books:        make(map[string]*bidBook),
		},
	}
}

// InTx runs fn with exclusive access to the store. Any error returned by
// fn, or a panic inside it, undoes every write fn made.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{memData: s.data}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err = fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetCertificate(ctx context.Context, id string) (*domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetCertificate(ctx, id)
}

func (s *MemoryStore) ListCertificates(ctx context.Context, f CertificateFilter) ([]*domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListCertificates(ctx, f)
}

func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetBatch(ctx, id)
}

func (s *MemoryStore) ListBatches(ctx context.Context, f BatchFilter) ([]*domain.CertificateBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListBatches(ctx, f)
}

func (s *MemoryStore) GetAuction(ctx context.Context, id string) (*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetAuction(ctx, id)
}

func (s *MemoryStore) ListAuctions(ctx context.Context, f AuctionFilter) ([]*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListAuctions(ctx, f)
}

func (s *MemoryStore) GetBid(ctx context.Context, id string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetBid(ctx, id)
}

func (s *MemoryStore) ListBids(ctx context.Context, f BidFilter) ([]*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListBids(ctx, f)
}

func (s *MemoryStore) WinningBid(ctx context.Context, certificateID string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.WinningBid(ctx, certificateID)
}

func (s *MemoryStore) CountBids(ctx context.Context, certificateID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.CountBids(ctx, certificateID)
}

// memData holds the records. Its methods assume the caller holds the
// MemoryStore lock.
type memData struct {
	certificates map[string]*domain.Certificate
	batches      map[string]*domain.CertificateBatch
	auctions     map[string]*domain.Auction
	bids         map[string]*domain.Bid
	books        map[string]*bidBook // certificate_id → ranked bids
}

func (d *memData) GetCertificate(_ context.Context, id string) (*domain.Certificate, error) {
	c, ok := d.certificates[id]
	if !ok {
		return nil, domain.ErrCertificateNotFound
	}
	return c.Clone(), nil
}

func (d *memData) ListCertificates(_ context.Context, f CertificateFilter) ([]*domain.Certificate, error) {
	result := make([]*domain.Certificate, 0)
	for _, c := range d.certificates {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.BatchID != "" && c.BatchID != f.BatchID {
			continue
		}
		if f.AuctionID != "" && c.AuctionID != f.AuctionID {
			continue
		}
		if f.CountyID != "" && c.CountyID != f.CountyID {
			continue
		}
		result = append(result, c.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CertificateNumber != result[j].CertificateNumber {
			return result[i].CertificateNumber < result[j].CertificateNumber
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (d *memData) GetBatch(_ context.Context, id string) (*domain.CertificateBatch, error) {
	b, ok := d.batches[id]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return b.Clone(), nil
}

func (d *memData) ListBatches(_ context.Context, f BatchFilter) ([]*domain.CertificateBatch, error) {
	result := make([]*domain.CertificateBatch, 0)
	for _, b := range d.batches {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.DueBefore != nil {
			due := b.EndTime
			if b.Status == domain.BatchScheduled {
				due = b.StartTime
			}
			if due.After(*f.DueBefore) {
				continue
			}
		}
		result = append(result, b.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].StartTime.Before(result[j].StartTime)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (d *memData) GetAuction(_ context.Context, id string) (*domain.Auction, error) {
	a, ok := d.auctions[id]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	return a.Clone(), nil
}

func (d *memData) ListAuctions(_ context.Context, f AuctionFilter) ([]*domain.Auction, error) {
	result := make([]*domain.Auction, 0)
	for _, a := range d.auctions {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.CountyID != "" && a.CountyID != f.CountyID {
			continue
		}
		result = append(result, a.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AuctionDate.Equal(result[j].AuctionDate) {
			return result[i].AuctionDate.Before(result[j].AuctionDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (d *memData) GetBid(_ context.Context, id string) (*domain.Bid, error) {
	b, ok := d.bids[id]
	if !ok {
		return nil, domain.ErrBidNotFound
	}
	return b.Clone(), nil
}

func (d *memData) ListBids(_ context.Context, f BidFilter) ([]*domain.Bid, error) {
	match := func(b *domain.Bid) bool {
		if f.BidderID != "" && b.BidderID != f.BidderID {
			return false
		}
		if f.Status != "" && b.Status != f.Status {
			return false
		}
		return true
	}

	result := make([]*domain.Bid, 0)
	if f.CertificateID != "" {
		if book, ok := d.books[f.CertificateID]; ok {
			book.Walk(func(b *domain.Bid) bool {
				if match(b) {
					result = append(result, b.Clone())
				}
				return true
			})
		}
		return result, nil
	}

	for _, b := range d.bids {
		if match(b) {
			result = append(result, b.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Better(result[j])
	})
	return result, nil
}

func (d *memData) WinningBid(_ context.Context, certificateID string) (*domain.Bid, error) {
	book, ok := d.books[certificateID]
	if !ok {
		return nil, nil
	}
	var winner *domain.Bid
	book.Walk(func(b *domain.Bid) bool {
		if b.Status == domain.BidWinning {
			winner = b.Clone()
			return false
		}
		return true
	})
	return winner, nil
}

func (d *memData) CountBids(_ context.Context, certificateID string) (int, error) {
	book, ok := d.books[certificateID]
	if !ok {
		return 0, nil
	}
	return book.Len(), nil
}

// memTx records an undo action for every write so that a failed
// transaction leaves no trace.
type memTx struct {
	*memData
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// The Lock methods are plain reads: the whole store is already locked for
// the duration of the transaction.

func (tx *memTx) LockCertificate(ctx context.Context, id string) (*domain.Certificate, error) {
	return tx.GetCertificate(ctx, id)
}

func (tx *memTx) LockBatch(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	return tx.GetBatch(ctx, id)
}

func (tx *memTx) LockAuction(ctx context.Context, id string) (*domain.Auction, error) {
	return tx.GetAuction(ctx, id)
}

func (tx *memTx) CreateCertificate(_ context.Context, c *domain.Certificate) error {
	if _, exists := tx.certificates[c.ID]; exists {
		return domain.ErrAlreadyExists
	}
	tx.certificates[c.ID] = c.Clone()
	tx.undo = append(tx.undo, func() { delete(tx.certificates, c.ID) })
	return nil
}

func (tx *memTx) UpdateCertificate(_ context.Context, c *domain.Certificate) error {
	prev, ok := tx.certificates[c.ID]
	if !ok {
		return domain.ErrCertificateNotFound
	}
	tx.certificates[c.ID] = c.Clone()
	tx.undo = append(tx.undo, func() { tx.certificates[c.ID] = prev })
	return nil
}

func (tx *memTx) CreateBatch(_ context.Context, b *domain.CertificateBatch) error {
	if _, exists := tx.batches[b.ID]; exists {
		return domain.ErrAlreadyExists
	}
	tx.batches[b.ID] = b.Clone()
	tx.undo = append(tx.undo, func() { delete(tx.batches, b.ID) })
	return nil
}

func (tx *memTx) UpdateBatch(_ context.Context, b *domain.CertificateBatch) error {
	prev, ok := tx.batches[b.ID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	tx.batches[b.ID] = b.Clone()
	tx.undo = append(tx.undo, func() { tx.batches[b.ID] = prev })
	return nil
}

func (tx *memTx) CreateAuction(_ context.Context, a *domain.Auction) error {
	if _, exists := tx.auctions[a.ID]; exists {
		return domain.ErrAlreadyExists
	}
	tx.auctions[a.ID] = a.Clone()
	tx.undo = append(tx.undo, func() { delete(tx.auctions, a.ID) })
	return nil
}

func (tx *memTx) UpdateAuction(_ context.Context, a *domain.Auction) error {
	prev, ok := tx.auctions[a.ID]
	if !ok {
		return domain.ErrAuctionNotFound
	}
	tx.auctions[a.ID] = a.Clone()
	tx.undo = append(tx.undo, func() { tx.auctions[a.ID] = prev })
	return nil
}

func (tx *memTx) CreateBid(_ context.Context, b *domain.Bid) error {
	if _, exists := tx.bids[b.ID]; exists {
		return domain.ErrAlreadyExists
	}
	if _, ok := tx.certificates[b.CertificateID]; !ok {
		return domain.ErrCertificateNotFound
	}
	stored := b.Clone()
	tx.bids[b.ID] = stored

	book, ok := tx.books[b.CertificateID]
	if !ok {
		book = newBidBook()
		tx.books[b.CertificateID] = book
	}
	book.Insert(stored)

	tx.undo = append(tx.undo, func() {
		delete(tx.bids, b.ID)
		book.Remove(stored)
	})
	return nil
}

// UpdateBid rewrites the mutable fields of a bid in place. Ranking fields
// (rate, timestamp, id) never change once the bid exists.
func (tx *memTx) UpdateBid(_ context.Context, b *domain.Bid) error {
	stored, ok := tx.bids[b.ID]
	if !ok {
		return domain.ErrBidNotFound
	}
	prevStatus := stored.Status
	stored.Status = b.Status
	tx.undo = append(tx.undo, func() { stored.Status = prevStatus })
	return nil
}
