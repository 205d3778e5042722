package services

import (
	"errors"
	"fmt"

	"peercall/internal/core/domain"
)

// IceQueue holds candidates in arrival order until they can be used. Once
// retired it stops buffering and Push reports that the caller must apply the
// candidate itself. It is owned by a single session loop and is not safe for
// concurrent use.
type IceQueue struct {
	pending []domain.IceCandidate
	retired bool
}

func NewIceQueue() *IceQueue {
	return &IceQueue{}
}

// Push appends c and returns true, or returns false if the queue is retired.
func (q *IceQueue) Push(c domain.IceCandidate) bool {
	if q.retired {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

func (q *IceQueue) Len() int { return len(q.pending) }

func (q *IceQueue) Retired() bool { return q.retired }

// Flush retires the queue and passes every buffered candidate to apply in
// arrival order. A failing candidate does not stop the rest; all failures are
// joined into the returned error.
func (q *IceQueue) Flush(apply func(domain.IceCandidate) error) error {
	pending := q.pending
	q.pending = nil
	q.retired = true

	var errs []error
	for i, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, fmt.Errorf("candidate %d (%s): %w", i, c.Candidate, err))
		}
	}
	return errors.Join(errs...)
}
