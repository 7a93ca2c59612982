// Package service implements the header acquisition pipeline: cache lookup,
// per-key single-flight locking, bounded concurrent browser sessions and the
// solve itself.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"turnstile-solver-go/internal/cache"
	"turnstile-solver-go/internal/config"
	"turnstile-solver-go/internal/metrics"
	"turnstile-solver-go/internal/model"
	"turnstile-solver-go/internal/solver"
)

// Pipeline is the public entry point for header acquisition. Many Solve
// calls may run concurrently; per key at most one browser-driven solve is in
// flight, and across all keys the number of simultaneous browser sessions is
// bounded by the configured concurrency limit.
type Pipeline struct {
	cfg    *config.Config
	solver *solver.Solver
	store  *cache.Store
	locks  *cache.LockRegistry
	sem    *semaphore.Weighted
	logger *slog.Logger
	m      *metrics.Metrics // optional; nil disables recording

	mu        sync.Mutex
	status    model.SolveStatus
	startTime time.Time
	endTime   time.Time
	lastErr   error
}

// New creates a Pipeline. Store and lock registry are injected so tests and
// embedders can isolate instances; both are expected to live for the
// process lifetime.
func New(cfg *config.Config, slv *solver.Solver, store *cache.Store, locks *cache.LockRegistry, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		solver: slv,
		store:  store,
		locks:  locks,
		sem:    semaphore.NewWeighted(int64(cfg.Solver.MaxConcurrentTasks)),
		logger: logger.With("component", "pipeline"),
		m:      m,
		status: model.StatusInitialized,
	}
}

// Solve returns replayable headers for the target URL, reusing a fresh
// cached set when one exists and otherwise running a browser-driven solve.
//
// ctx gates waiting for a concurrency permit only: once a solve is running
// it is not interrupted by caller cancellation and runs to its own
// completion or internal timeout.
func (p *Pipeline) Solve(ctx context.Context, url, userAgent string) (model.HeaderSet, error) {
	key, err := model.CacheKey(url, p.cfg.Browser.Proxy)
	if err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}

	// Unlocked fast path. Entries are immutable, so a racing refresh can at
	// worst hand us a snapshot that was fresh a moment ago.
	if e, ok := p.store.Get(key); ok {
		p.recordCacheHit(key)
		return e.Headers, nil
	}

	release := p.locks.Acquire(key)
	defer release()

	// Re-check inside the lock: a queued caller observes the result
	// produced by whichever caller held the lock first.
	if e, ok := p.store.Get(key); ok {
		p.recordCacheHit(key)
		return e.Headers, nil
	}
	if p.m != nil {
		p.m.CacheMisses.Inc()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire session permit: %w", err)
	}
	// Deferred in this order so the permit is released before the key lock.
	defer p.sem.Release(1)

	if p.m != nil {
		p.m.SessionsActive.Inc()
		defer p.m.SessionsActive.Dec()
	}

	p.beginRun()
	start := time.Now()
	headers, err := p.solver.Run(url, userAgent, p.observe)
	elapsed := time.Since(start)

	if err != nil {
		status := classify(err)
		p.finishRun(status, err)
		p.recordSolve(status, elapsed)
		p.logger.Warn("solve failed",
			"key", key,
			"status", string(status),
			"duration_ms", elapsed.Milliseconds(),
			"err", err,
		)
		return nil, err
	}

	p.finishRun(model.StatusSuccess, nil)
	p.recordSolve(model.StatusSuccess, elapsed)
	p.store.Put(key, headers)
	p.dumpHeaders(headers)

	p.logger.Info("solve succeeded",
		"key", key,
		"duration_ms", elapsed.Milliseconds(),
	)
	return headers, nil
}

// Status reports the most recent or in-progress solve run. Cache hits do
// not alter it.
func (p *Pipeline) Status() model.StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := model.StatusReport{
		Status:    p.status,
		StartTime: p.startTime,
	}
	if p.lastErr != nil {
		r.LastError = p.lastErr.Error()
	}
	switch {
	case p.startTime.IsZero():
	case p.status.Terminal():
		r.Elapsed = p.endTime.Sub(p.startTime)
	default:
		r.Elapsed = time.Since(p.startTime)
	}
	return r
}

func (p *Pipeline) beginRun() {
	p.mu.Lock()
	p.status = model.StatusInitialized
	p.startTime = time.Now()
	p.endTime = time.Time{}
	p.lastErr = nil
	p.mu.Unlock()
}

// observe receives non-terminal status transitions from the solver.
func (p *Pipeline) observe(s model.SolveStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Pipeline) finishRun(status model.SolveStatus, err error) {
	p.mu.Lock()
	p.status = status
	p.endTime = time.Now()
	p.lastErr = err
	p.mu.Unlock()
}

// classify maps a solve error to its terminal status.
func classify(err error) model.SolveStatus {
	var exhausted *solver.ExhaustedAttemptsError
	var timeout *solver.TimeoutError
	switch {
	case errors.As(err, &exhausted):
		return model.StatusFailed
	case errors.As(err, &timeout):
		return model.StatusTimeout
	default:
		return model.StatusError
	}
}

func (p *Pipeline) recordCacheHit(key string) {
	if p.m != nil {
		p.m.CacheHits.Inc()
	}
	p.logger.Debug("serving cached headers", "key", key)
}

func (p *Pipeline) recordSolve(status model.SolveStatus, elapsed time.Duration) {
	if p.m == nil {
		return
	}
	p.m.SolvesTotal.WithLabelValues(string(status)).Inc()
	p.m.SolveDuration.Observe(elapsed.Seconds())
}

// dumpHeaders persists the produced header set as a JSON dump when an output
// path is configured. Failing to write never fails the solve.
func (p *Pipeline) dumpHeaders(headers model.HeaderSet) {
	path := p.cfg.Artifacts.HeadersOutputPath
	if path == "" {
		return
	}
	data, err := json.MarshalIndent(headers, "", "    ")
	if err != nil {
		p.logger.Warn("encoding headers dump", "err", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.logger.Warn("writing headers dump", "path", path, "err", err)
	}
}
