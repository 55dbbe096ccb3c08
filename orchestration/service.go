package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richinex/theseus/agent"
	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/internal/metrics"
	"github.com/richinex/theseus/model"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a turn is already running.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionClosed is returned for a closed session or service.
	ErrSessionClosed = errors.New("session closed")
)

// ModelFactory builds the model a session talks to from its config.
type ModelFactory func(cfg agent.Config) (agent.Model, error)

// Service is the control surface over live sessions.
type Service struct {
	registry *Registry
	deps     agent.Deps
	defaults agent.Config
	gate     *approval.Gate
	bus      *events.Broadcaster
	metrics  *metrics.Metrics
	logger   *slog.Logger
	factory  ModelFactory

	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// Option configures a Service.
type Option func(*Service)

// WithModelFactory builds a model per session instead of sharing
// Deps.Model.
func WithModelFactory(f ModelFactory) Option {
	return func(s *Service) { s.factory = f }
}

// WithIdleTimeout closes sessions idle for longer than d. Zero disables
// the sweeper.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Service) { s.idleTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a service. deps are shared by every session; gate
// and bus must be the ones deps.Dispatcher and deps.Events use.
func NewService(deps agent.Deps, gate *approval.Gate, bus *events.Broadcaster, defaults agent.Config, opts ...Option) (*Service, error) {
	if gate == nil {
		return nil, errors.New("an approval gate is required")
	}
	if bus == nil {
		return nil, errors.New("an event broadcaster is required")
	}
	if deps.Events == nil {
		deps.Events = bus
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default agent config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		registry: NewRegistry(),
		deps:     deps,
		defaults: defaults,
		gate:     gate,
		bus:      bus,
		metrics:  deps.Metrics,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps.Model == nil && s.factory == nil {
		cancel()
		return nil, errors.New("a model or model factory is required")
	}
	s.logger = s.logger.With("component", "orchestration")
	if s.deps.Logger == nil {
		s.deps.Logger = s.logger
	}

	if s.idleTimeout > 0 {
		go s.sweep()
	}
	return s, nil
}

// Defaults returns the agent config new sessions start from.
func (s *Service) Defaults() agent.Config {
	return s.defaults
}

// OpenSession creates a session from the defaults with overrides applied.
// nil overrides mean the defaults as they are. An empty id is replaced
// by a fresh one. Opening an existing session returns it unchanged.
func (s *Service) OpenSession(ctx context.Context, id string, overrides *agent.Overrides) (agent.Snapshot, error) {
	if id == "" {
		id = uuid.New().String()
	}
	c, err := s.session(ctx, id, overrides)
	if err != nil {
		return agent.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// StartTurn runs a turn in the background and returns once it is
// scheduled. The session is created with the defaults when missing.
func (s *Service) StartTurn(ctx context.Context, id, message string) error {
	c, err := s.session(ctx, id, nil)
	if err != nil {
		return err
	}
	s.turns.Add(1)
	run, err := c.Start(s.ctx, message)
	if err != nil {
		s.turns.Done()
		switch {
		case errors.Is(err, agent.ErrBusy):
			return ErrSessionBusy
		case errors.Is(err, agent.ErrClosed):
			return ErrSessionClosed
		}
		return err
	}

	go func() {
		defer s.turns.Done()
		if _, err := run(); err != nil {
			s.logger.Info("background turn ended with error", "session_id", id, "error", err)
		}
	}()
	return nil
}

// RunTurn runs a turn and waits for it.
func (s *Service) RunTurn(ctx context.Context, id, message string) (agent.TurnResult, error) {
	c, err := s.session(ctx, id, nil)
	if err != nil {
		return agent.TurnResult{}, err
	}
	s.turns.Add(1)
	defer s.turns.Done()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-s.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	res, err := c.Run(ctx, message)
	switch {
	case errors.Is(err, agent.ErrBusy):
		return res, ErrSessionBusy
	case errors.Is(err, agent.ErrClosed):
		return res, ErrSessionClosed
	}
	return res, err
}

// Cancel stops the session's turn from any state. A pending approval is
// rejected as cancelled.
func (s *Service) Cancel(id string) error {
	c, ok := s.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	c.Cancel()
	s.gate.CancelSession(id)
	s.logger.Info("session cancelled", "session_id", id)
	return nil
}

// Status returns the session's state.
func (s *Service) Status(id string) (model.Status, error) {
	c, ok := s.registry.Get(id)
	if !ok {
		return "", ErrSessionNotFound
	}
	return c.Status(), nil
}

// Session returns a snapshot of the session.
func (s *Service) Session(id string) (agent.Snapshot, error) {
	c, ok := s.registry.Get(id)
	if !ok {
		return agent.Snapshot{}, ErrSessionNotFound
	}
	return c.Snapshot(), nil
}

// Sessions lists snapshots of every live session.
func (s *Service) Sessions() []agent.Snapshot {
	ids := s.registry.IDs()
	out := make([]agent.Snapshot, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.registry.Get(id); ok {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

// Resolve settles an approval request. It returns approval.ErrNotFound
// or approval.ErrAlreadyResolved on protocol errors.
func (s *Service) Resolve(requestID string, decision model.Decision, modifiedArgs map[string]any) error {
	return s.gate.Resolve(requestID, decision, modifiedArgs)
}

// Approval looks up a pending or recently resolved request.
func (s *Service) Approval(requestID string) (model.ApprovalRequest, error) {
	return s.gate.Get(requestID)
}

// Pending returns the session's pending approval request.
func (s *Service) Pending(id string) (model.ApprovalRequest, bool, error) {
	if _, ok := s.registry.Get(id); !ok {
		return model.ApprovalRequest{}, false, ErrSessionNotFound
	}
	req, ok := s.gate.Pending(id)
	return req, ok, nil
}

// Subscribe streams the session's events. Subscribing before the
// session exists is allowed so no early event is missed.
func (s *Service) Subscribe(id string) (*events.Subscription, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.bus.Subscribe(id), nil
}

// CloseSession cancels and forgets the session.
func (s *Service) CloseSession(id string) error {
	c, ok := s.registry.Remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.closeController(c)
	return nil
}

// Close stops every session and waits for running turns.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		for _, id := range s.registry.IDs() {
			if c, ok := s.registry.Remove(id); ok {
				s.closeController(c)
			}
		}
		s.turns.Wait()
		s.bus.Close()
	})
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) closeController(c *agent.Controller) {
	c.Close()
	s.gate.CancelSession(c.ID())
	s.bus.Remove(c.ID())
	s.metrics.SessionClosed()
	s.logger.Info("session closed", "session_id", c.ID())
}

// session returns the live controller for id, creating it when missing.
// A new session's history is rehydrated from the transcript store.
func (s *Service) session(ctx context.Context, id string, overrides *agent.Overrides) (*agent.Controller, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	c, created, err := s.registry.GetOrCreate(id, func() (*agent.Controller, error) {
		conf := s.defaults
		if overrides != nil {
			conf = overrides.Apply(conf)
		}
		deps := s.deps
		if s.factory != nil {
			m, err := s.factory(conf)
			if err != nil {
				return nil, fmt.Errorf("create model for session %s: %w", id, err)
			}
			deps.Model = m
		}

		var history []model.Step
		if deps.Transcripts != nil {
			steps, err := deps.Transcripts.Load(ctx, id)
			if err != nil {
				s.logger.Warn("transcript load failed", "session_id", id, "error", err)
			} else {
				history = steps
			}
		}
		return agent.NewController(id, conf, deps, history)
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.metrics.SessionOpened()
		s.logger.Info("session opened", "session_id", id, "rehydrated_steps", len(c.Snapshot().History))
	}
	return c, nil
}

// sweep closes sessions that have been idle longer than the timeout.
func (s *Service) sweep() {
	interval := s.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepIdle(now)
		}
	}
}

func (s *Service) sweepIdle(now time.Time) int {
	n := 0
	for _, id := range s.registry.IDs() {
		c, ok := s.registry.RemoveIf(id, func(c *agent.Controller) bool {
			return !c.Running() && now.Sub(c.LastActivity()) > s.idleTimeout
		})
		if ok {
			s.logger.Debug("closing idle session", "session_id", id)
			s.closeController(c)
			n++
		}
	}
	return n
}
