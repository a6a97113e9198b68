// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch runs step invocations on a bounded worker pool.
//
// Jobs are queued per workflow and served round-robin, so one busy
// workflow cannot starve the rest. The dispatcher owns the operational
// policy around an invocation: per-workflow rate limiting, attempt
// timeouts, retry backoff, named circuit breakers, and the step result
// cache. The run state machine owns everything before and after: it
// decides what to enqueue and interprets the reported outcomes.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/expression"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/internal/statekv"
	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/errors"
	"github.com/loomhq/loom/pkg/invoker"
)

const (
	// DefaultWorkers is the worker pool size when the config leaves it
	// zero.
	DefaultWorkers = 16

	// DefaultTimeout bounds a single invocation attempt when neither the
	// step nor the config sets one.
	DefaultTimeout = 30 * time.Second
)

// Config contains dispatcher configuration.
type Config struct {
	// Workers is the pool size. Default: DefaultWorkers.
	Workers int

	// DefaultTimeout bounds attempts for steps without timeoutMs.
	DefaultTimeout time.Duration

	// Logger receives dispatcher logs.
	Logger *slog.Logger

	// Clock schedules retry re-enqueues.
	Clock clock.Clock

	// Evaluator runs declared conditions and retry predicates.
	Evaluator *expression.Evaluator

	// Cache is the step result cache namespace. Nil disables caching.
	Cache *statekv.State

	// Metrics records pool instrumentation. Nil records nothing.
	Metrics *metrics.Metrics

	// Tracer wraps invocations in spans when set.
	Tracer trace.Tracer
}

// Dispatcher executes jobs and reports outcomes to a Reporter.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	queue  *workQueue
	report Reporter

	mu       sync.RWMutex
	inv      invoker.StepInvoker
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker

	inflightMu sync.Mutex
	inflight   map[string]map[*Job]context.CancelFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Dispatcher. Outcomes are delivered to report from
// worker goroutines.
func New(cfg Config, report Reporter) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expression.New()
	}

	return &Dispatcher{
		cfg:      cfg,
		logger:   log.WithComponent(cfg.Logger, "dispatch"),
		queue:    newWorkQueue(),
		report:   report,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		inflight: make(map[string]map[*Job]context.CancelFunc),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetInvoker installs the step invoker. Must be called before jobs for
// action steps are enqueued.
func (d *Dispatcher) SetInvoker(inv invoker.StepInvoker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inv = inv
}

// ConfigureWorkflow installs the workflow's rate limiter, replacing any
// previous configuration.
func (d *Dispatcher) ConfigureWorkflow(def *definition.Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if def.RateLimit == nil || def.RateLimit.RPS <= 0 {
		delete(d.limiters, def.ID)
		return
	}
	burst := def.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}
	d.limiters[def.ID] = rate.NewLimiter(rate.Limit(def.RateLimit.RPS), burst)
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers)
}

// Stop drains the pool. Queued jobs are discarded; in-flight jobs see
// their context cancelled and report their outcome before Stop returns.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.queue.close()
	d.wg.Wait()
	if d.cfg.Clock != nil {
		d.cfg.Clock.Stop()
	}
	d.logger.Info("dispatcher stopped")
}

// Enqueue queues a job for execution.
func (d *Dispatcher) Enqueue(job *Job) error {
	if err := d.queue.push(job); err != nil {
		return err
	}
	d.cfg.Metrics.SetQueueDepth(d.queue.len())
	return nil
}

// QueueDepth returns the number of queued jobs.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.len()
}

// CancelRun aborts the in-flight invocations of a run. Queued jobs for
// the run still execute but their outcomes will be rejected as stale by
// the state machine once the run is terminal.
func (d *Dispatcher) CancelRun(runID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	for _, cancel := range d.inflight[runID] {
		cancel()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		job, err := d.queue.pop(ctx)
		if err != nil {
			return
		}
		d.cfg.Metrics.SetQueueDepth(d.queue.len())

		if limiter := d.limiterFor(job.WorkflowID); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		d.cfg.Metrics.WorkerBusy(1)
		d.execute(ctx, job)
		d.cfg.Metrics.WorkerBusy(-1)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *Job) {
	timeout := job.Step.Timeout()
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.trackInflight(job, cancel)
	defer d.untrackInflight(job)

	if d.cfg.Tracer != nil {
		var span trace.Span
		jctx, span = d.cfg.Tracer.Start(jctx, "step.invoke",
			trace.WithAttributes(
				attribute.String("loom.run_id", job.RunID),
				attribute.String("loom.workflow", job.WorkflowID),
				attribute.String("loom.step_id", job.Step.ID),
				attribute.Int("loom.attempt", job.Attempt),
			))
		defer span.End()
	}

	switch job.Kind {
	case JobCondition:
		d.executeCondition(jctx, job)
	case JobResolveItems:
		d.executeResolveItems(jctx, job)
	default:
		d.executeAction(jctx, job)
	}
}

func (d *Dispatcher) executeCondition(ctx context.Context, job *Job) {
	var (
		result bool
		err    error
	)
	if job.Expression != "" {
		payload, _ := json.Marshal(job.Ctx.Payload)
		env := expression.RunEnv(payload, job.Ctx.Steps, job.Ctx.LastOutput)
		result, err = d.cfg.Evaluator.Eval(job.Expression, env)
	} else {
		inv := d.invoker()
		if inv == nil {
			d.fail(job, "no invoker configured")
			return
		}
		result, err = inv.EvaluateCondition(ctx, &job.Ctx)
	}

	if err != nil {
		d.fail(job, err.Error())
		return
	}

	output, _ := json.Marshal(result)
	d.report(Outcome{
		RunID: job.RunID, WorkflowID: job.WorkflowID, StepID: job.Step.ID,
		Attempt: job.Attempt, Kind: job.Kind,
		Status: OutcomeSucceeded, CondResult: result, Output: output,
	})
}

func (d *Dispatcher) executeResolveItems(ctx context.Context, job *Job) {
	var raw []any
	if inline, ok := job.Step.Extra["items"].([]any); ok {
		raw = inline
	} else {
		inv := d.invoker()
		if inv == nil {
			d.fail(job, "no invoker configured")
			return
		}
		items, err := inv.ResolveItems(ctx, &job.Ctx)
		if err != nil {
			d.fail(job, err.Error())
			return
		}
		raw = items
	}

	items := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		data, err := json.Marshal(item)
		if err != nil {
			d.fail(job, "item not JSON-serializable: "+err.Error())
			return
		}
		items = append(items, data)
	}

	d.report(Outcome{
		RunID: job.RunID, WorkflowID: job.WorkflowID, StepID: job.Step.ID,
		Attempt: job.Attempt, Kind: job.Kind,
		Status: OutcomeSucceeded, Items: items,
	})
}

func (d *Dispatcher) executeAction(ctx context.Context, job *Job) {
	if key := job.Step.CacheKey; key != "" && d.cfg.Cache != nil {
		if cached, err := d.cfg.Cache.GetRaw(ctx, key); err == nil {
			d.cfg.Metrics.CacheHit()
			d.cfg.Metrics.StepExecuted(job.WorkflowID, "cached", 0)
			d.report(Outcome{
				RunID: job.RunID, WorkflowID: job.WorkflowID, StepID: job.Step.ID,
				Attempt: job.Attempt, Kind: job.Kind,
				Status: OutcomeSucceeded, Output: cached,
			})
			return
		}
		d.cfg.Metrics.CacheMiss()
	}

	inv := d.invoker()
	if inv == nil {
		d.fail(job, "no invoker configured")
		return
	}

	start := time.Now()
	res, err := d.invokeThroughBreaker(ctx, inv, job)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		msg := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			te := &errors.TimeoutError{RunID: job.RunID, StepID: job.Step.ID, Timeout: job.Step.Timeout()}
			msg = te.Error()
		}
		d.cfg.Metrics.StepExecuted(job.WorkflowID, "failed", elapsed.Seconds())
		d.fail(job, msg)

	case res.Status == invoker.StatusPaused:
		d.cfg.Metrics.StepExecuted(job.WorkflowID, "paused", elapsed.Seconds())
		d.report(Outcome{
			RunID: job.RunID, WorkflowID: job.WorkflowID, StepID: job.Step.ID,
			Attempt: job.Attempt, Kind: job.Kind,
			Status: OutcomePaused, PauseKind: res.PauseKind, Output: res.Output,
		})

	case res.Status == invoker.StatusErr:
		d.cfg.Metrics.StepExecuted(job.WorkflowID, "failed", elapsed.Seconds())
		d.fail(job, res.Err)

	default:
		d.storeCache(ctx, job, res)
		d.cfg.Metrics.StepExecuted(job.WorkflowID, "succeeded", elapsed.Seconds())
		d.report(Outcome{
			RunID: job.RunID, WorkflowID: job.WorkflowID, StepID: job.Step.ID,
			Attempt: job.Attempt, Kind: job.Kind,
			Status: OutcomeSucceeded, Output: res.Output,
		})
	}
}

// invokeThroughBreaker runs the invocation, routed through the step's
// named breaker when one is declared. Error results trip the breaker;
// pauses do not.
func (d *Dispatcher) invokeThroughBreaker(ctx context.Context, inv invoker.StepInvoker, job *Job) (*invoker.Result, error) {
	if job.Step.Breaker == "" {
		return d.invokeChecked(ctx, inv, job)
	}

	cb := d.breakerFor(job.Step.Breaker)
	v, err := cb.Execute(func() (any, error) {
		res, err := d.invokeChecked(ctx, inv, job)
		if err != nil {
			return nil, err
		}
		if res.Status == invoker.StatusErr {
			return nil, &stepError{msg: res.Err}
		}
		return res, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &errors.BreakerOpenError{Breaker: job.Step.Breaker}
		}
		if se, ok := err.(*stepError); ok {
			return &invoker.Result{Status: invoker.StatusErr, Err: se.msg}, nil
		}
		return nil, err
	}
	return v.(*invoker.Result), nil
}

// invokeChecked guards against invokers returning (nil, nil).
func (d *Dispatcher) invokeChecked(ctx context.Context, inv invoker.StepInvoker, job *Job) (*invoker.Result, error) {
	res, err := inv.Invoke(ctx, &job.Ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &invoker.Result{Status: invoker.StatusOK}, nil
	}
	return res, nil
}

// stepError carries an error-status result through the breaker so the
// failure counts against it.
type stepError struct{ msg string }

func (e *stepError) Error() string { return e.msg }

func (d *Dispatcher) storeCache(ctx context.Context, job *Job, res *invoker.Result) {
	if d.cfg.Cache == nil {
		return
	}
	key := res.CacheKey
	if key == "" {
		key = job.Step.CacheKey
	}
	if key == "" {
		return
	}

	ttl := time.Duration(job.Step.CacheTTLMs) * time.Millisecond
	var out any = json.RawMessage(res.Output)
	if len(res.Output) == 0 {
		out = nil
	}
	if err := d.cfg.Cache.Set(ctx, key, out, ttl); err != nil {
		d.logger.Warn("failed to cache step result",
			log.StepIDKey, job.Step.ID, log.Error(err))
	}
}

// fail consults the step's retry policy. Retriable failures are
// re-enqueued after backoff; everything else is reported as final.
func (d *Dispatcher) fail(job *Job, msg string) {
	r := job.Step.Retry
	if r != nil && job.Attempt < r.Attempts && d.retriable(r, msg, job.Attempt) {
		delay := d.nextDelay(r, job.Attempt)
		next := d.cfg.Clock.Now().Add(delay)

		d.cfg.Metrics.RetryScheduled()
		d.logger.Debug("retry scheduled",
			log.StepIDKey, job.Step.ID,
			log.RunIDKey, job.RunID,
			log.AttemptKey, job.Attempt,
			"delay", delay.String())

		retry := *job
		retry.Attempt = job.Attempt + 1
		retry.Ctx.Attempt = retry.Attempt
		d.cfg.Clock.Schedule(delay, func() {
			if err := d.Enqueue(&retry); err != nil {
				d.logger.Warn("retry enqueue failed",
					log.StepIDKey, retry.Step.ID, log.Error(err))
			}
		})

		d.report(Outcome{
			RunID: job.RunID, WorkflowID: job.WorkflowID, StepID: job.Step.ID,
			Attempt: job.Attempt, Kind: job.Kind,
			Status: OutcomeRetrying, Err: msg, NextRetryAt: &next,
		})
		return
	}

	d.report(Outcome{
		RunID: job.RunID, WorkflowID: job.WorkflowID, StepID: job.Step.ID,
		Attempt: job.Attempt, Kind: job.Kind,
		Status: OutcomeFailed, Err: msg,
	})
}

// retriable applies the optional retry predicate against the failure.
// Predicate errors disable the retry rather than looping forever.
func (d *Dispatcher) retriable(r *definition.Retry, msg string, attempt int) bool {
	if r.IfExpr == "" {
		return true
	}
	ok, err := d.cfg.Evaluator.Eval(r.IfExpr, expression.RetryEnv(msg, attempt))
	if err != nil {
		d.logger.Warn("retry predicate failed", "expr", r.IfExpr, log.Error(err))
		return false
	}
	return ok
}

func (d *Dispatcher) nextDelay(r *definition.Retry, attempt int) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return backoffDelay(r, attempt, d.rng)
}

func (d *Dispatcher) invoker() invoker.StepInvoker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inv
}

func (d *Dispatcher) limiterFor(workflowID string) *rate.Limiter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limiters[workflowID]
}

func (d *Dispatcher) breakerFor(name string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.cfg.Metrics.SetBreakerState(name, int(to))
			d.logger.Info("breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[name] = cb
	return cb
}

func (d *Dispatcher) trackInflight(job *Job, cancel context.CancelFunc) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	jobs := d.inflight[job.RunID]
	if jobs == nil {
		jobs = make(map[*Job]context.CancelFunc)
		d.inflight[job.RunID] = jobs
	}
	jobs[job] = cancel
}

func (d *Dispatcher) untrackInflight(job *Job) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	jobs := d.inflight[job.RunID]
	delete(jobs, job)
	if len(jobs) == 0 {
		delete(d.inflight, job.RunID)
	}
}
