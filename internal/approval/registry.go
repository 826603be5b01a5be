package approval

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds in-flight and decided approval records together with the
// single-shot waiter of each pending request.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Request
	waiters map[string]func(Request)
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Request),
		waiters: make(map[string]func(Request)),
		now:     time.Now,
	}
}

// Create inserts a new pending record with a fresh id.
func (r *Registry) Create(toolName string, parameters map[string]any) Request {
	req := &Request{
		ID:         uuid.NewString(),
		ToolName:   toolName,
		Parameters: parameters,
		Status:     StatusPending,
		CreatedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	r.records[req.ID] = req
	r.mu.Unlock()
	return snapshot(req)
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.records[id]
	if !ok {
		return Request{}, false
	}
	return snapshot(req), true
}

// Pending lists pending records ordered by creation time.
func (r *Registry) Pending() []Request {
	r.mu.Lock()
	out := make([]Request, 0, len(r.records))
	for _, req := range r.records {
		if req.Status == StatusPending {
			out = append(out, snapshot(req))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount returns the number of records still awaiting a decision.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.records {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}

// Annotate attaches the originating request id and the posted message to a
// record.
func (r *Registry) Annotate(id, requestID string, loc Location) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req, ok := r.records[id]; ok {
		if requestID != "" {
			req.RequestID = requestID
		}
		if !loc.IsZero() {
			req.Location = loc
		}
	}
}

// ApplyDecision moves a pending record to approved or rejected. It returns
// false when the record is unknown, already terminal, or status is not a
// human decision.
func (r *Registry) ApplyDecision(id string, status Status, decidedBy, via, reason string) bool {
	if status != StatusApproved && status != StatusRejected {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.records[id]
	if !ok || req.Status != StatusPending {
		return false
	}
	req.Status = status
	req.DecidedBy = decidedBy
	req.DecidedVia = via
	req.DecidedAt = r.now().UTC()
	req.Reason = reason
	return true
}

// RegisterWaiter installs the callback invoked when id is resolved. A second
// registration replaces the first.
func (r *Registry) RegisterWaiter(id string, fn func(Request)) {
	r.mu.Lock()
	r.waiters[id] = fn
	r.mu.Unlock()
}

// ResolveWaiter pops the waiter for id and calls it outside the lock.
// Missing waiters are a no-op.
func (r *Registry) ResolveWaiter(id string) {
	r.mu.Lock()
	fn, ok := r.waiters[id]
	delete(r.waiters, id)
	var req Request
	if rec, found := r.records[id]; found {
		req = snapshot(rec)
	}
	r.mu.Unlock()

	if ok && fn != nil {
		fn(req)
	}
}

// FireTimeout marks a pending record as timed out and resolves its waiter.
// It reports whether the record was still pending.
func (r *Registry) FireTimeout(id, reason string) bool {
	r.mu.Lock()
	req, ok := r.records[id]
	if !ok || req.Status != StatusPending {
		r.mu.Unlock()
		return false
	}
	req.Status = StatusTimeout
	req.DecidedAt = r.now().UTC()
	req.Reason = reason
	r.mu.Unlock()

	r.ResolveWaiter(id)
	return true
}

func snapshot(req *Request) Request {
	out := *req
	out.Parameters = maps.Clone(req.Parameters)
	return out
}
