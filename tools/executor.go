package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config controls the local executor and its tools.
type Config struct {
	// DefaultTimeout applies when an invocation carries none.
	DefaultTimeout time.Duration
	// MaxRetries retries transient failures. Zero runs each call once.
	MaxRetries uint32
	// MaxFileBytes bounds reads and writes.
	MaxFileBytes int64
	// MaxOutputBytes truncates command output.
	MaxOutputBytes int
	// RestrictToWorkdir rejects paths outside the working directory.
	RestrictToWorkdir bool
	// AllowedCommands limits run_command to these programs when set.
	AllowedCommands []string
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    30 * time.Second,
		MaxFileBytes:      1 << 20,
		MaxOutputBytes:    64 << 10,
		RestrictToWorkdir: true,
	}
}

// LocalExecutor runs tools implemented in this process.
type LocalExecutor struct {
	config Config
	tools  map[string]Tool
	logger *slog.Logger
}

// NewLocalExecutor creates an executor serving tools, or the built-in
// local tools when none are given.
func NewLocalExecutor(cfg Config, tools ...Tool) (*LocalExecutor, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if len(tools) == 0 {
		tools = LocalTools(cfg)
	}
	e := &LocalExecutor{
		config: cfg,
		tools:  make(map[string]Tool, len(tools)),
		logger: slog.Default().With("component", "executor"),
	}
	for _, t := range tools {
		name := t.Definition().Name
		if _, exists := e.tools[name]; exists {
			return nil, fmt.Errorf("tool '%s' already registered", name)
		}
		e.tools[name] = t
	}
	return e, nil
}

// Definitions returns the definitions of every tool served.
func (e *LocalExecutor) Definitions() []Definition {
	defs := make([]Definition, 0, len(e.tools))
	for _, t := range e.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one call, retrying transient failures up to MaxRetries.
func (e *LocalExecutor) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	tool, ok := e.tools[inv.Tool]
	if !ok {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
	}
	if inv.WorkingDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			inv.WorkingDirectory = wd
		}
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	inv.Timeout = timeout

	var lastErr error
	for attempt := uint32(0); attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			e.logger.Debug("retrying tool", "tool", inv.Tool, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ExecResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		res, err := e.once(ctx, tool, inv)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !shouldRetry(err) {
			return res, err
		}
	}
	return ExecResult{}, fmt.Errorf("tool %s failed after %d attempts: %w", inv.Tool, e.config.MaxRetries+1, lastErr)
}

func (e *LocalExecutor) once(ctx context.Context, tool Tool, inv Invocation) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	res, err := tool.Execute(ctx, inv)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("tool %s timed out after %s", inv.Tool, inv.Timeout)
	}
	return res, err
}

// calculateBackoff returns the backoff duration for the given attempt.
func calculateBackoff(attempt uint32) time.Duration {
	const (
		baseDelay = 100 * time.Millisecond
		maxDelay  = 5 * time.Second
	)

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "temporarily unavailable")
}

// MultiExecutor routes calls to the executor that serves each tool.
type MultiExecutor struct {
	mu     sync.RWMutex
	routes map[string]Executor
}

// NewMultiExecutor creates an empty router.
func NewMultiExecutor() *MultiExecutor {
	return &MultiExecutor{routes: make(map[string]Executor)}
}

// Route sends calls for names to exec.
func (m *MultiExecutor) Route(exec Executor, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if _, exists := m.routes[name]; exists {
			return fmt.Errorf("tool '%s' already routed", name)
		}
	}
	for _, name := range names {
		m.routes[name] = exec
	}
	return nil
}

// Execute implements Executor.
func (m *MultiExecutor) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	m.mu.RLock()
	exec, ok := m.routes[inv.Tool]
	m.mu.RUnlock()
	if !ok {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
	}
	return exec.Execute(ctx, inv)
}
