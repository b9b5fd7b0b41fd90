package correlation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnexpectedConfirmation is returned when a confirmation arrives for a tag
// with no outstanding request.
var ErrUnexpectedConfirmation = errors.New("confirmation without outstanding request")

// PendingOperation is the request-time context of one outstanding request.
type PendingOperation struct {
	Tag Tag
	// Address is the target child. Empty for create.
	Address string
	// Count is the requested count for reset.
	Count     int32
	CommandID string
	IssuedAt  time.Time
}

// Ledger holds outstanding requests in one FIFO per tag.
// It is safe for concurrent use, though the coordinator only touches it from
// its processor goroutine.
type Ledger struct {
	mu     sync.Mutex
	queues map[Tag][]PendingOperation
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{queues: make(map[Tag][]PendingOperation)}
}

// Push records an outstanding request at the back of its tag's queue.
func (l *Ledger) Push(op PendingOperation) {
	if op.IssuedAt.IsZero() {
		op.IssuedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.queues[op.Tag] = append(l.queues[op.Tag], op)
}

// Pop consumes the oldest outstanding request for tag.
func (l *Ledger) Pop(tag Tag) (PendingOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queues[tag]
	if len(q) == 0 {
		return PendingOperation{}, fmt.Errorf("%w: tag %s", ErrUnexpectedConfirmation, tag)
	}
	op := q[0]
	q[0] = PendingOperation{}
	if len(q) == 1 {
		delete(l.queues, tag)
	} else {
		l.queues[tag] = q[1:]
	}
	return op, nil
}

// Len returns the number of outstanding requests for tag.
func (l *Ledger) Len(tag Tag) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[tag])
}

// Counts returns the number of outstanding requests per tag, including zero counts.
func (l *Ledger) Counts() map[Tag]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[Tag]int, len(Tags))
	for _, t := range Tags {
		counts[t] = len(l.queues[t])
	}
	return counts
}

// Snapshot returns a copy of the outstanding requests for tag, oldest first.
func (l *Ledger) Snapshot(tag Tag) []PendingOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PendingOperation(nil), l.queues[tag]...)
}
