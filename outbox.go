package devwork

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Outbox
// ============================================================================

const (
	opPending  = "pending"
	opInflight = "inflight"
)

// OutboxOp is a queued outgoing channel command.
type OutboxOp struct {
	ID        string    `json:"id"`
	Command   Command   `json:"command"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
}

// Outbox is a goroutine-safe ordered queue of outgoing commands. Commands
// leave it in insertion order, one at a time.
type Outbox struct {
	mu    sync.Mutex
	ops   []*OutboxOp
	limit int
}

// NewOutbox creates an outbox holding at most limit commands (0 = unbounded).
func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit}
}

func newOutboxOp(id string, cmd Command) *OutboxOp {
	if id == "" {
		id = uuid.NewString()
	}
	return &OutboxOp{ID: id, Command: cmd, Status: opPending, CreatedAt: time.Now()}
}

// Enqueue appends op. It reports false when the outbox is full.
func (o *Outbox) Enqueue(op *OutboxOp) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && len(o.ops) >= o.limit {
		return false
	}
	o.ops = append(o.ops, op)
	return true
}

// Prepend puts ops ahead of everything already queued, keeping their order.
func (o *Outbox) Prepend(ops ...*OutboxOp) {
	if len(ops) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	merged := make([]*OutboxOp, 0, len(ops)+len(o.ops))
	merged = append(merged, ops...)
	o.ops = append(merged, o.ops...)
}

// Next marks the oldest pending op in flight and returns it.
func (o *Outbox) Next() *OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.Status == opPending {
			op.Status = opInflight
			op.Attempts++
			cp := *op
			return &cp
		}
	}
	return nil
}

// Ack removes a delivered op.
func (o *Outbox) Ack(opID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range o.ops {
		if op.ID == opID {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			return
		}
	}
}

// Nack returns an in-flight op to the queue at its original position.
func (o *Outbox) Nack(opID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.ID == opID {
			op.Status = opPending
			return
		}
	}
}

// Cancel removes a pending op. An op already in flight cannot be recalled.
func (o *Outbox) Cancel(opID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range o.ops {
		if op.ID == opID && op.Status == opPending {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			return true
		}
	}
	return false
}

// Purge drops every op for which drop returns true and reports how many went.
func (o *Outbox) Purge(drop func(*OutboxOp) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.ops[:0]
	n := 0
	for _, op := range o.ops {
		if drop(op) {
			n++
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(o.ops); i++ {
		o.ops[i] = nil
	}
	o.ops = kept
	return n
}

// ResetInflight returns every in-flight op to pending.
func (o *Outbox) ResetInflight() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.Status == opInflight {
			op.Status = opPending
		}
	}
}

// Clear empties the outbox.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = nil
}

// PendingCount returns the number of queued ops, in flight included.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Snapshot returns copies of the queued ops in order.
func (o *Outbox) Snapshot() []OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxOp, len(o.ops))
	for i, op := range o.ops {
		out[i] = *op
	}
	return out
}
