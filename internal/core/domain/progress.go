package domain

import (
	"sync"
	"sync/atomic"
)

// Progress tracks one resource transfer.
type Progress interface {
	Completed() int64
	Total() int64
	Fraction() float64
	Cancel()
	Cancelled() bool
}

// TransferProgress is a Progress transports update from their I/O
// goroutines.
type TransferProgress struct {
	completed atomic.Int64
	total     atomic.Int64
	cancelled atomic.Bool
	finished  atomic.Bool

	cancelOnce sync.Once
	onCancel   func()
}

// NewTransferProgress returns a progress for total bytes. onCancel, when
// non-nil, runs once on the first Cancel.
func NewTransferProgress(total int64, onCancel func()) *TransferProgress {
	p := &TransferProgress{onCancel: onCancel}
	p.total.Store(total)
	return p
}

func (p *TransferProgress) Completed() int64 { return p.completed.Load() }
func (p *TransferProgress) Total() int64     { return p.total.Load() }
func (p *TransferProgress) Cancelled() bool  { return p.cancelled.Load() }

// Fraction returns completed/total in [0, 1]. A transfer of unknown or zero
// size reports 1 once completed.
func (p *TransferProgress) Fraction() float64 {
	if p.finished.Load() {
		return 1
	}
	total := p.total.Load()
	if total <= 0 {
		return 0
	}
	f := float64(p.completed.Load()) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

// Add records n more transferred bytes.
func (p *TransferProgress) Add(n int64) {
	p.completed.Add(n)
}

// Complete marks the transfer as finished.
func (p *TransferProgress) Complete() {
	if total := p.total.Load(); total > 0 {
		p.completed.Store(total)
	}
	p.finished.Store(true)
}

// Finished reports whether Complete has been called.
func (p *TransferProgress) Finished() bool {
	return p.finished.Load()
}

func (p *TransferProgress) Cancel() {
	p.cancelOnce.Do(func() {
		p.cancelled.Store(true)
		if p.onCancel != nil {
			p.onCancel()
		}
	})
}
