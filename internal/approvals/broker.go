// Package approvals parks permission requests awaiting a human decision
// and routes replies back to the run that asked.
package approvals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/patchwork/internal/policy"
	"github.com/haasonsaas/patchwork/pkg/models"
)

// DefaultTimeout is how long a request may wait before auto-deny.
const DefaultTimeout = 5 * time.Minute

// ErrUnknownRequest is returned when replying to a request that does not
// exist or was already resolved.
var ErrUnknownRequest = errors.New("unknown approval request")

// ErrApprovalTimeout marks a resolution produced by the expiry timer
// rather than an explicit reply.
var ErrApprovalTimeout = errors.New("approval timed out")

// Resolution is the outcome delivered back to the waiting run.
type Resolution struct {
	Decision policy.Decision
	// Remember, when set, asks the run to persist a rule derived from
	// this decision into its working policy.
	Remember *policy.Rule
	// Err is set when the request resolved without an explicit reply:
	// ErrApprovalTimeout on expiry, context.Canceled on session cancel.
	Err error
}

type pending struct {
	request models.PermissionRequest
	ch      chan Resolution
	timer   *time.Timer
}

// Broker tracks pending permission requests per session. Each request is
// resolved exactly once: by a reply, by timeout, or by session cancel.
type Broker struct {
	mu      sync.Mutex
	timeout time.Duration
	byID    map[string]*pending

	// onCountChange reports the pending total; used for metrics.
	onCountChange func(n int)
}

// NewBroker creates a broker. A non-positive timeout uses DefaultTimeout.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		timeout: timeout,
		byID:    make(map[string]*pending),
	}
}

// OnCountChange registers a callback invoked (outside the lock) whenever
// the number of pending requests changes.
func (b *Broker) OnCountChange(fn func(n int)) {
	b.mu.Lock()
	b.onCountChange = fn
	b.mu.Unlock()
}

// Enqueue registers a request and returns its id plus a channel that will
// receive exactly one Resolution. If nobody replies within the timeout,
// the request auto-denies with ErrApprovalTimeout.
func (b *Broker) Enqueue(req models.PermissionRequest) (string, <-chan Resolution) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	p := &pending{
		request: req,
		ch:      make(chan Resolution, 1),
	}
	p.timer = time.AfterFunc(b.timeout, func() {
		b.resolve(req.RequestID, Resolution{Decision: policy.Deny, Err: ErrApprovalTimeout})
	})

	b.mu.Lock()
	b.byID[req.RequestID] = p
	n := len(b.byID)
	fn := b.onCountChange
	b.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	return req.RequestID, p.ch
}

// List returns the pending requests for a session, oldest first.
func (b *Broker) List(sessionID string) []models.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.PermissionRequest
	for _, p := range b.byID {
		if p.request.SessionID == sessionID {
			out = append(out, p.request)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reply resolves a request with a human decision. The request must be
// pending under sessionID; replies addressed to another session's
// request fail with ErrUnknownRequest.
func (b *Broker) Reply(sessionID, requestID string, res Resolution) error {
	b.mu.Lock()
	p, ok := b.byID[requestID]
	if ok && p.request.SessionID != sessionID {
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	if !b.resolve(requestID, res) {
		return ErrUnknownRequest
	}
	return nil
}

// CancelSession denies every pending request for a session. Used when a
// run is cancelled so its waiters unblock promptly.
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	var ids []string
	for id, p := range b.byID {
		if p.request.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.resolve(id, Resolution{Decision: policy.Deny, Err: context.Canceled})
	}
}

func (b *Broker) resolve(requestID string, res Resolution) bool {
	b.mu.Lock()
	p, ok := b.byID[requestID]
	if ok {
		delete(b.byID, requestID)
	}
	n := len(b.byID)
	fn := b.onCountChange
	b.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- res
	close(p.ch)
	if fn != nil {
		fn(n)
	}
	return true
}
