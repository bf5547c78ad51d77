// Package engine drives the validate, inspect, remediate and retry cycle.
package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"k8s-netremedy/internal/dataplane"
	"k8s-netremedy/internal/metrics"
	"k8s-netremedy/internal/types"
)

const (
	DefaultMaxAttempts = 3

	// collectTimeout bounds diagnostics collection, which is not subject to
	// the run deadline
	collectTimeout = 2 * time.Minute
)

// ErrFatal marks errors that stop a run before any attempt: bad input or an
// unusable cluster. They are never reported as a Failed result.
var ErrFatal = errors.New("fatal engine error")

// Validator checks DNS reachability of the target from inside the cluster
type Validator interface {
	Validate(ctx context.Context, targetIP string, timeout time.Duration) types.ValidationResult
}

// Inspector measures a node's dataplane state
type Inspector interface {
	Inspect(ctx context.Context, node types.Node) (types.NodeNetworkState, error)
}

// Remediator applies corrective actions to a node
type Remediator interface {
	Remediate(ctx context.Context, node types.Node, state types.NodeNetworkState) ([]types.ActionOutcome, error)
}

// Collector gathers the diagnostics bundle when the attempt budget runs out
type Collector interface {
	Collect(ctx context.Context, nodes []types.Node, target string, attempts []types.Attempt) (*types.DiagnosticsBundle, error)
}

// Request is the full input of one run
type Request struct {
	Target            string
	Nodes             []types.Node
	MaxAttempts       int
	InterAttemptDelay time.Duration
	ProbeTimeout      time.Duration
	RunTimeout        time.Duration
}

func (r *Request) normalize() error {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.ProbeTimeout <= 0 {
		r.ProbeTimeout = 5 * time.Second
	}

	switch {
	case net.ParseIP(r.Target) == nil:
		return errors.Mark(errors.Newf("target %q is not a valid IP address", r.Target), ErrFatal)
	case len(r.Nodes) == 0:
		return errors.Mark(errors.New("no nodes to remediate"), ErrFatal)
	case r.MaxAttempts < 0:
		return errors.Mark(errors.Newf("max attempts must be positive, got %d", r.MaxAttempts), ErrFatal)
	case r.InterAttemptDelay < 0:
		return errors.Mark(errors.New("inter-attempt delay must not be negative"), ErrFatal)
	}
	return nil
}

// Options configures an Engine
type Options struct {
	// Parallelism bounds concurrent node passes within one attempt. 1 keeps
	// nodes in the order given.
	Parallelism int
	// Preflight runs once before the first validation; its failure is fatal.
	Preflight func(ctx context.Context) error
	Logger    *zap.Logger
}

// Engine is the retry controller
type Engine struct {
	validator   Validator
	inspector   Inspector
	remediator  Remediator
	collector   Collector
	parallelism int
	preflight   func(ctx context.Context) error
	logger      *zap.Logger
}

// New creates an engine
func New(v Validator, i Inspector, r Remediator, c Collector, opts Options) *Engine {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		validator:   v,
		inspector:   i,
		remediator:  r,
		collector:   c,
		parallelism: opts.Parallelism,
		preflight:   opts.Preflight,
		logger:      opts.Logger,
	}
}

// Run validates connectivity and remediates nodes until the target resolves
// or the attempt budget is spent. The error return is reserved for fatal
// input problems and caller cancellation; every network outcome is an
// EngineResult, and a Failed result always carries a diagnostics bundle.
func (e *Engine) Run(ctx context.Context, req Request) (*types.EngineResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	result := &types.EngineResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Attempts:  []types.Attempt{},
	}
	log := e.logger.With(zap.String("run_id", result.RunID), zap.String("target", req.Target))

	if e.preflight != nil {
		if err := e.preflight(ctx); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "preflight failed"), ErrFatal)
		}
	}

	runCtx := ctx
	if req.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.RunTimeout)
		defer cancel()
	}

	log.Info("Starting run",
		zap.Int("nodes", len(req.Nodes)),
		zap.Int("max_attempts", req.MaxAttempts),
		zap.Duration("inter_attempt_delay", req.InterAttemptDelay),
	)

	for {
		validation := e.validator.Validate(runCtx, req.Target, req.ProbeTimeout)
		if stop, err := e.interrupted(ctx, runCtx, log); stop {
			if err != nil {
				return e.cancelled(result, err)
			}
			break
		}

		if n := len(result.Attempts); n > 0 {
			post := validation
			result.Attempts[n-1].PostValidation = &post
		}

		if validation.OK() {
			log.Info("Connectivity verified", zap.Int("attempts", len(result.Attempts)))
			return e.finish(result, types.OutcomeSuccess), nil
		}

		metrics.AttemptsTotal.Inc()
		result.Attempts = append(result.Attempts, types.Attempt{
			Index:         len(result.Attempts) + 1,
			PreValidation: validation,
		})
		attempt := &result.Attempts[len(result.Attempts)-1]
		alog := log.With(zap.Int("attempt", attempt.Index))
		alog.Warn("Validation failed",
			zap.String("status", string(validation.Status)),
			zap.String("raw_output", validation.RawOutput),
		)

		if attempt.Index >= req.MaxAttempts {
			alog.Error("Attempt budget exhausted")
			break
		}

		states, actions, err := e.remediateAll(runCtx, req.Nodes, alog)
		attempt.NodeStates, attempt.ActionsApplied = states, actions
		if stop, cerr := e.interrupted(ctx, runCtx, log); stop {
			if cerr != nil {
				return e.cancelled(result, cerr)
			}
			break
		}
		if err != nil {
			alog.Error("Remediation pass aborted", zap.Error(err))
		}

		if err := sleep(runCtx, req.InterAttemptDelay); err != nil {
			if stop, cerr := e.interrupted(ctx, runCtx, log); stop && cerr != nil {
				return e.cancelled(result, cerr)
			}
			break
		}
	}

	return e.collectAndFail(ctx, req, result, log)
}

// interrupted reports whether the loop must stop. Caller cancellation yields
// an error; expiry of the run ceiling only ends the loop.
func (e *Engine) interrupted(ctx, runCtx context.Context, log *zap.Logger) (bool, error) {
	if err := ctx.Err(); err != nil {
		log.Warn("Run cancelled by caller")
		return true, err
	}
	if runCtx.Err() != nil {
		log.Error("Run deadline reached before connectivity was restored")
		return true, nil
	}
	return false, nil
}

func (e *Engine) cancelled(result *types.EngineResult, err error) (*types.EngineResult, error) {
	e.finish(result, types.OutcomeFailed)
	return result, errors.Wrap(err, "run cancelled")
}

func (e *Engine) finish(result *types.EngineResult, outcome types.Outcome) *types.EngineResult {
	result.Outcome = outcome
	result.EndedAt = time.Now()
	metrics.RunsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.RunDuration.Observe(result.EndedAt.Sub(result.StartedAt).Seconds())
	return result
}

// collectAndFail runs under the caller's context only, so the bundle is
// written even when the run deadline is what ended the loop, while caller
// cancellation still stops in-flight collection
func (e *Engine) collectAndFail(ctx context.Context, req Request, result *types.EngineResult, log *zap.Logger) (*types.EngineResult, error) {
	collectCtx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	bundle, err := e.collector.Collect(collectCtx, req.Nodes, req.Target, result.Attempts)
	result.Bundle = bundle
	if cerr := ctx.Err(); cerr != nil {
		log.Warn("Run cancelled by caller during diagnostics collection")
		return e.cancelled(result, cerr)
	}
	e.finish(result, types.OutcomeFailed)

	if err != nil {
		log.Error("Diagnostics bundle could not be written", zap.Error(err))
		return result, errors.Wrap(err, "diagnostics collection failed")
	}
	log.Error("Run failed",
		zap.Int("attempts", len(result.Attempts)),
		zap.String("archive", bundle.ArchivePath),
		zap.Int("collector_errors", len(bundle.CollectorErrors)),
	)
	return result, nil
}

// remediateAll inspects and remediates every node. A node's failed actions do
// not stop the others; only cancellation aborts the pass.
func (e *Engine) remediateAll(ctx context.Context, nodes []types.Node, log *zap.Logger) (map[string]types.NodeNetworkState, map[string][]types.ActionOutcome, error) {
	var mu sync.Mutex
	states := make(map[string]types.NodeNetworkState, len(nodes))
	actions := make(map[string][]types.ActionOutcome, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for _, node := range nodes {
		node := node
		g.Go(func() error {
			nlog := log.With(zap.String("node", node.String()))

			state, err := e.inspector.Inspect(gctx, node)
			if err != nil {
				return errors.Wrapf(err, "inspect %s", node)
			}
			mu.Lock()
			states[node.String()] = state
			mu.Unlock()

			outcomes, err := e.remediator.Remediate(gctx, node, state)
			mu.Lock()
			actions[node.String()] = outcomes
			mu.Unlock()
			if err != nil {
				return errors.Wrapf(err, "remediate %s", node)
			}

			logOutcomes(nlog, outcomes)
			return nil
		})
	}

	err := g.Wait()
	return states, actions, err
}

func logOutcomes(log *zap.Logger, outcomes []types.ActionOutcome) {
	var applied []string
	for _, a := range dataplane.Applied(outcomes) {
		applied = append(applied, a.String())
	}
	fields := []zap.Field{zap.Strings("applied", applied), zap.Int("actions", len(outcomes))}
	for _, o := range outcomes {
		fields = append(fields, zap.String(o.Action.String(), string(o.Verdict)))
	}
	log.Info("Node pass complete", fields...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
