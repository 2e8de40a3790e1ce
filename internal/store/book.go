package store

import (
	"github.com/efreitasn/certauction/internal/domain"
	"github.com/google/btree"
)

// bidLess orders bids best first: interest rate ascending, then timestamp
// ascending, then bid id ascending.
func bidLess(a, b *domain.Bid) bool {
	return a.Better(b)
}

// bidBook keeps every bid on one certificate ranked in a B-tree.
type bidBook struct {
	tree *btree.BTreeG[*domain.Bid]
}

func newBidBook() *bidBook {
	const degree = 16
	return &bidBook{tree: btree.NewG[*domain.Bid](degree, bidLess)}
}

// Insert adds a bid to the book.
func (bb *bidBook) Insert(b *domain.Bid) {
	bb.tree.ReplaceOrInsert(b)
}

// Remove deletes a bid from the book. It is a no-op if absent.
func (bb *bidBook) Remove(b *domain.Bid) {
	bb.tree.Delete(b)
}

// Walk iterates bids best first until fn returns false.
func (bb *bidBook) Walk(fn func(*domain.Bid) bool) {
	bb.tree.Ascend(fn)
}

// Len returns the number of bids on the certificate.
func (bb *bidBook) Len() int {
	return bb.tree.Len()
}
