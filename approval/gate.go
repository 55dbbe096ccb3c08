// Package approval suspends tool dispatch until a human decides.
//
// A request registers a single-resolution waiter keyed by request id with
// a deadline timer. Exactly one of an external Resolve, the deadline, or
// session cancellation settles it; later attempts get ErrAlreadyResolved.
// The caller blocks on the waiter, never polls.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/model"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved is returned when a request was already settled.
	ErrAlreadyResolved = errors.New("approval request already resolved")
	// ErrPendingExists is returned when a session already awaits a decision.
	ErrPendingExists = errors.New("session already has a pending approval request")
	// ErrInvalidDecision is returned for a malformed decision.
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// Reasons recorded on non-approved resolutions.
const (
	ReasonCancelled = "cancelled"
	ReasonTimedOut  = "approval window expired"
	ReasonRejected  = "rejected by reviewer"
)

// resolvedHistory bounds how many settled requests are remembered for
// late Resolve calls and lookups.
const resolvedHistory = 1024

// Params describes a new approval request.
type Params struct {
	SessionID string
	Kind      model.ApprovalKind
	Tier      model.RiskTier
	Payload   model.ApprovalPayload

	// Timeout overrides the policy window when positive.
	Timeout time.Duration

	// OnPending runs after the request is registered and before the
	// approval_requested event is published. It runs with the gate locked
	// and must not call back into the gate.
	OnPending func(model.ApprovalRequest)
}

// Gate tracks pending approval requests across sessions.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*waiter
	bySession map[string]string
	resolved  map[string]model.ApprovalRequest
	order     []string
	policy    Policy

	publisher  events.Publisher
	logger     *slog.Logger
	onResolved func(model.ApprovalRequest)
	now        func() time.Time
	newID      func() string
}

type waiter struct {
	req  model.ApprovalRequest
	done chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithPolicy sets the timeout policy.
func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithResolvedHook registers a callback run after every resolution.
func WithResolvedHook(fn func(model.ApprovalRequest)) Option {
	return func(g *Gate) { g.onResolved = fn }
}

// NewGate creates a gate that announces requests and resolutions through
// publisher. A nil publisher is allowed.
func NewGate(publisher events.Publisher, opts ...Option) *Gate {
	g := &Gate{
		pending:   make(map[string]*waiter),
		bySession: make(map[string]string),
		resolved:  make(map[string]model.ApprovalRequest),
		policy:    DefaultPolicy(),
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "approval")
	return g
}

// SetPolicy replaces the timeout policy for future requests.
func (g *Gate) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

// Policy returns the current timeout policy.
func (g *Gate) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// Request creates a pending request and blocks until it is resolved,
// times out, or ctx is done. The returned request is always settled; a
// timeout yields ResolutionTimedOut and ctx cancellation yields
// ResolutionRejected with ReasonCancelled. An error is returned only when
// the request could not be created.
func (g *Gate) Request(ctx context.Context, p Params) (model.ApprovalRequest, error) {
	if p.SessionID == "" {
		return model.ApprovalRequest{}, errors.New("approval request requires a session id")
	}

	g.mu.Lock()
	if existing, ok := g.bySession[p.SessionID]; ok {
		g.mu.Unlock()
		return model.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrPendingExists, existing)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = g.policy.TimeoutFor(p.Tier)
	}
	now := g.now()
	w := &waiter{
		req: model.ApprovalRequest{
			ID:         g.newID(),
			SessionID:  p.SessionID,
			Kind:       p.Kind,
			RiskTier:   p.Tier,
			Payload:    p.Payload,
			CreatedAt:  now,
			ExpiresAt:  now.Add(timeout),
			Resolution: model.ResolutionPending,
		},
		done: make(chan struct{}),
	}
	g.pending[w.req.ID] = w
	g.bySession[p.SessionID] = w.req.ID
	req := w.req

	// Announced before the lock is released so no resolution, and no
	// approval_resolved event, can precede it.
	if p.OnPending != nil {
		p.OnPending(req)
	}
	if g.publisher != nil {
		g.publisher.Publish(req.SessionID, events.KindApprovalRequested, map[string]any{
			"id":         req.ID,
			"kind":       req.Kind,
			"risk_tier":  req.RiskTier.String(),
			"payload":    req.Payload,
			"expires_at": req.ExpiresAt,
		})
	}
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"session_id", req.SessionID, "request_id", req.ID,
		"kind", req.Kind, "risk_tier", req.RiskTier.String(), "tool", req.Payload.ToolName)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		_ = g.finish(req.ID, model.ResolutionTimedOut, ReasonTimedOut, nil)
	case <-ctx.Done():
		_ = g.finish(req.ID, model.ResolutionRejected, ReasonCancelled, nil)
	}

	// Whichever path won, the waiter is settled now.
	<-w.done
	return w.req, nil
}

// Resolve settles a pending request with an external decision. Modify
// requires modifiedArgs; the tool name is kept from the original payload.
func (g *Gate) Resolve(requestID string, decision model.Decision, modifiedArgs map[string]any) error {
	switch decision {
	case model.DecisionApprove:
		return g.finish(requestID, model.ResolutionApproved, "", nil)
	case model.DecisionReject:
		return g.finish(requestID, model.ResolutionRejected, ReasonRejected, nil)
	case model.DecisionModify:
		if modifiedArgs == nil {
			return fmt.Errorf("%w: modify requires modified arguments", ErrInvalidDecision)
		}
		return g.finish(requestID, model.ResolutionModified, "", modifiedArgs)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
}

// CancelSession rejects the session's pending request, if any, with
// ReasonCancelled. It reports whether a request was pending.
func (g *Gate) CancelSession(sessionID string) bool {
	g.mu.Lock()
	id, ok := g.bySession[sessionID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.finish(id, model.ResolutionRejected, ReasonCancelled, nil) == nil
}

// Pending returns the session's pending request.
func (g *Gate) Pending(sessionID string) (model.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.bySession[sessionID]
	if !ok {
		return model.ApprovalRequest{}, false
	}
	return g.pending[id].req, true
}

// Get returns a pending or recently resolved request.
func (g *Gate) Get(requestID string) (model.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.pending[requestID]; ok {
		return w.req, nil
	}
	if req, ok := g.resolved[requestID]; ok {
		return req, nil
	}
	return model.ApprovalRequest{}, ErrNotFound
}

func (g *Gate) finish(requestID string, resolution model.Resolution, reason string, modifiedArgs map[string]any) error {
	g.mu.Lock()
	w, ok := g.pending[requestID]
	if !ok {
		_, settled := g.resolved[requestID]
		g.mu.Unlock()
		if settled {
			return ErrAlreadyResolved
		}
		return ErrNotFound
	}

	w.req.Resolution = resolution
	w.req.Reason = reason
	w.req.ResolvedAt = g.now()
	if modifiedArgs != nil {
		w.req.ModifiedPayload = &model.ApprovalPayload{
			ToolName: w.req.Payload.ToolName,
			Args:     modifiedArgs,
			Summary:  w.req.Payload.Summary,
		}
	}
	delete(g.pending, requestID)
	delete(g.bySession, w.req.SessionID)
	g.remember(w.req)
	req := w.req
	close(w.done)
	g.mu.Unlock()

	g.logger.Info("approval resolved",
		"session_id", req.SessionID, "request_id", req.ID,
		"resolution", req.Resolution, "reason", req.Reason)
	if g.publisher != nil {
		data := map[string]any{
			"id":         req.ID,
			"resolution": req.Resolution,
		}
		if req.Reason != "" {
			data["reason"] = req.Reason
		}
		g.publisher.Publish(req.SessionID, events.KindApprovalResolved, data)
	}
	if g.onResolved != nil {
		g.onResolved(req)
	}
	return nil
}

// remember records a settled request, evicting the oldest past the bound.
// Callers hold g.mu.
func (g *Gate) remember(req model.ApprovalRequest) {
	g.resolved[req.ID] = req
	g.order = append(g.order, req.ID)
	if len(g.order) > resolvedHistory {
		delete(g.resolved, g.order[0])
		g.order = g.order[1:]
	}
}
