package domain

// RoundKind names which grouping owns a certificate.
type RoundKind string

const (
	RoundBatch   RoundKind = "batch"
	RoundAuction RoundKind = "auction"
)

// Phase is the canonical lifecycle shared by batches and legacy auctions.
type Phase int

const (
	PhaseScheduled Phase = iota
	PhaseActive
	PhaseClosed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseScheduled:
		return "scheduled"
	case PhaseActive:
		return "active"
	case PhaseClosed:
		return "closed"
	case PhaseCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseCancelled
}

// CanTransition is the single transition table for every round kind:
// scheduled → active → closed, and scheduled|active → cancelled.
// Terminal phases reject every transition, including re-applying the
// transition that reached them.
func CanTransition(from, to Phase) bool {
	switch to {
	case PhaseActive:
		return from == PhaseScheduled
	case PhaseClosed:
		return from == PhaseActive
	case PhaseCancelled:
		return from == PhaseScheduled || from == PhaseActive
	}
	return false
}

// Round is the kind-independent view of a batch or auction.
type Round struct {
	Kind   RoundKind
	ID     string
	Status string // kind-specific status name
	Phase  Phase
	// Open is true only while the round accepts bids.
	Open bool
}
