package broker

import (
	"sync"

	"gotothemoon/internal/domain"
)

// OrderUpdate is one asynchronous event pushed by a venue callback.
type OrderUpdate struct {
	BrokerOrderID string
	State         domain.OrderState
	Fill          *domain.Fill
	Reason        string
}

// UpdateQueue buffers callback-delivered order updates until the
// orchestrator polls them through QueryStatus. Pushing never blocks the
// venue's callback goroutine.
type UpdateQueue struct {
	mu      sync.Mutex
	pending map[string][]OrderUpdate
	fillIDs map[string]struct{}
}

// NewUpdateQueue creates an empty queue.
func NewUpdateQueue() *UpdateQueue {
	return &UpdateQueue{
		pending: make(map[string][]OrderUpdate),
		fillIDs: make(map[string]struct{}),
	}
}

// Push enqueues u. Fills already seen are dropped.
func (q *UpdateQueue) Push(u OrderUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if u.Fill != nil {
		if _, dup := q.fillIDs[u.Fill.ID]; dup {
			return
		}
		q.fillIDs[u.Fill.ID] = struct{}{}
	}
	q.pending[u.BrokerOrderID] = append(q.pending[u.BrokerOrderID], u)
}

// Drain removes and folds every queued update for brokerOrderID into a
// report. ok is false when nothing was queued.
func (q *UpdateQueue) Drain(brokerOrderID string) (rep StatusReport, ok bool) {
	q.mu.Lock()
	updates := q.pending[brokerOrderID]
	delete(q.pending, brokerOrderID)
	q.mu.Unlock()

	if len(updates) == 0 {
		return StatusReport{}, false
	}
	rep.BrokerOrderID = brokerOrderID
	for _, u := range updates {
		if u.Fill != nil {
			rep.Fills = append(rep.Fills, *u.Fill)
		}
		if u.State != "" {
			rep.State = u.State
		}
		if u.Reason != "" {
			rep.Reason = u.Reason
		}
	}
	return rep, true
}

// Len returns the number of orders with queued updates.
func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
