package domain

import "time"

// BatchStatus represents the lifecycle state of a certificate batch.
type BatchStatus string

const (
	BatchScheduled BatchStatus = "SCHEDULED"
	BatchActive    BatchStatus = "ACTIVE"
	BatchClosing   BatchStatus = "CLOSING"
	BatchClosed    BatchStatus = "CLOSED"
	BatchCancelled BatchStatus = "CANCELLED"
)

var batchPhases = map[BatchStatus]Phase{
	BatchScheduled: PhaseScheduled,
	BatchActive:    PhaseActive,
	BatchClosing:   PhaseActive,
	BatchClosed:    PhaseClosed,
	BatchCancelled: PhaseCancelled,
}

var batchStatusForPhase = map[Phase]BatchStatus{
	PhaseActive:    BatchActive,
	PhaseClosed:    BatchClosed,
	PhaseCancelled: BatchCancelled,
}

// Phase maps the batch status onto the canonical lifecycle.
func (s BatchStatus) Phase() Phase {
	return batchPhases[s]
}

// CertificateBatch groups certificates that open and close together.
type CertificateBatch struct {
	ID              string
	CountyID        string
	Status          BatchStatus
	StartTime       time.Time
	EndTime         time.Time
	ClosingInterval time.Duration
	CertificateIDs  []string // ordered
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Round returns the canonical view of the batch.
func (b *CertificateBatch) Round() Round {
	return Round{
		Kind:   RoundBatch,
		ID:     b.ID,
		Status: string(b.Status),
		Phase:  b.Status.Phase(),
		Open:   b.Status == BatchActive,
	}
}

// Advance moves the batch to the status for phase to. It returns
// ErrInvalidTransition when the shared transition table forbids it.
func (b *CertificateBatch) Advance(to Phase, at time.Time) error {
	if !CanTransition(b.Status.Phase(), to) {
		return ErrInvalidTransition
	}
	b.Status = batchStatusForPhase[to]
	b.UpdatedAt = at
	return nil
}

// Clone returns a deep copy.
func (b *CertificateBatch) Clone() *CertificateBatch {
	cp := *b
	cp.CertificateIDs = append([]string(nil), b.CertificateIDs...)
	return &cp
}
