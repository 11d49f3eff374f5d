// Package pipeline is the orchestrator: a bounded pool of worker tasks
// drains the intake queue and runs each envelope through
// decrypt → dedup gate → reconcile → commit → fan-out.
//
// All application code talks to the Pipeline — never directly to the ledger,
// engine, or coordinator. This keeps the layering enforced in one place.
//
// Data flow:
//
//	Transport → intake.Queue → decrypt.Adapter → dedup.Ledger (gate)
//	          → reconcile.Engine (consults earlybuf) → commit.Coordinator
//	          → fanout.Hub
//
// Envelopes that fail transiently are re-enqueued by the retry scheduler with
// exponential backoff; past the attempt cap the failure is surfaced as
// persistent, never silently dropped.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/envelopeq/internal/commit"
	"github.com/snehjoshi/envelopeq/internal/decrypt"
	"github.com/snehjoshi/envelopeq/internal/dedup"
	"github.com/snehjoshi/envelopeq/internal/fanout"
	"github.com/snehjoshi/envelopeq/internal/intake"
	"github.com/snehjoshi/envelopeq/internal/metrics"
	"github.com/snehjoshi/envelopeq/internal/reconcile"
	"github.com/snehjoshi/envelopeq/internal/retry"
	"github.com/snehjoshi/envelopeq/internal/store"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// Config tunes the pipeline.
type Config struct {
	// Workers is the number of concurrent envelope-processing tasks.
	Workers int
	// RetryMaxAttempts bounds processing attempts per envelope.
	RetryMaxAttempts int
	// RetryBaseBackoff and RetryMaxBackoff bound the re-enqueue delay.
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
}

// Pipeline wires the stages together. Construct with New, then Start/Stop.
type Pipeline struct {
	log *slog.Logger
	met *metrics.Registry
	cfg Config

	queue   *intake.Queue
	adapter *decrypt.Adapter
	ledger  *dedup.Ledger
	engine  *reconcile.Engine
	coord   *commit.Coordinator
	hub     *fanout.Hub
	retries *retry.Scheduler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Pipeline from its stages.
func New(
	log *slog.Logger,
	met *metrics.Registry,
	cfg Config,
	queue *intake.Queue,
	adapter *decrypt.Adapter,
	ledger *dedup.Ledger,
	engine *reconcile.Engine,
	coord *commit.Coordinator,
	hub *fanout.Hub,
) *Pipeline {
	return &Pipeline{
		log:     log,
		met:     met,
		cfg:     cfg,
		queue:   queue,
		adapter: adapter,
		ledger:  ledger,
		engine:  engine,
		coord:   coord,
		hub:     hub,
		retries: retry.New(),
	}
}

// Queue exposes the intake queue for the transport layer.
func (p *Pipeline) Queue() *intake.Queue { return p.queue }

// Hub exposes the fan-out hub for consumer registration.
func (p *Pipeline) Hub() *fanout.Hub { return p.hub }

// Start launches the worker pool and the retry scheduler.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.retries.Start(ctx, func(env types.Envelope) {
		// Requeue at the front: a retry should run before new arrivals and
		// must never be droppable by backpressure.
		if err := p.queue.Requeue(env); err != nil {
			p.log.Warn("pipeline: retry after shutdown dropped",
				"envelope", env.Identity, "err", err)
		}
	})

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop shuts the pipeline down in order: the intake queue stops accepting
// envelopes, in-flight reconciliations run to commit or abort (never cancelled
// mid-write), then the retry scheduler and workers exit.
func (p *Pipeline) Stop() {
	p.queue.Close()
	p.wg.Wait()
	p.retries.Stop()
	if p.cancel != nil {
		p.cancel()
	}
}

// ─── worker loop ─────────────────────────────────────────────────────────────

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		env, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.process(ctx, env)
	}
}

// process runs one envelope through every stage.
func (p *Pipeline) process(ctx context.Context, env types.Envelope) {
	if env.Attempt == 0 {
		env.Attempt = 1
	}

	// ── 1. Decrypt ───────────────────────────────────────────────────────
	res := p.adapter.Decrypt(ctx, env)
	switch res.Outcome {
	case decrypt.OutcomeOK:
		// fall through

	case decrypt.OutcomeDuplicate:
		// The ratchet already consumed this message: a successful no-op that
		// short-circuits before the dedup ledger.
		p.log.Debug("pipeline: ratchet duplicate", "envelope", env.Identity)
		return

	case decrypt.OutcomeStaleSession:
		// Surfaced to the session-refresh flow, not retried internally.
		p.log.Warn("pipeline: stale session", "envelope", env.Identity, "err", res.Err)
		p.met.DecryptFailed.Inc(res.Outcome.String())
		return

	case decrypt.OutcomeUntrusted:
		// Fatal for this envelope; the safety-number flow owns the rest.
		p.log.Error("pipeline: untrusted identity", "envelope", env.Identity, "err", res.Err)
		p.met.DecryptFailed.Inc(res.Outcome.String())
		return

	case decrypt.OutcomeMalformed:
		p.log.Error("pipeline: malformed envelope dropped", "envelope", env.Identity, "err", res.Err)
		p.met.DecryptFailed.Inc(res.Outcome.String())
		return

	case decrypt.OutcomeTimeout:
		p.met.DecryptFailed.Inc(res.Outcome.String())
		p.scheduleRetry(env, "decrypt timeout")
		return
	}

	// ── 2. Dedup gate ────────────────────────────────────────────────────
	verdict, err := p.ledger.CheckAndMark(ctx, env.Identity)
	if err != nil {
		// Fail closed: verdict unknown, identity unmarked, retry later.
		p.scheduleRetry(env, "dedup check failed")
		return
	}
	if verdict == dedup.AlreadyProcessed {
		p.log.Debug("pipeline: duplicate delivery", "envelope", env.Identity)
		p.met.Deduped.Inc("")
		return
	}

	// ── 3. Reconcile ─────────────────────────────────────────────────────
	out := p.engine.Reconcile(ctx, *res.Payload)
	if out.State == types.StateAborted && out.Plan == nil {
		p.ledger.Release(env.Identity)
		if out.Reason.Retryable() {
			p.scheduleRetry(env, out.Reason.String())
		} else {
			p.met.Aborted.Inc(out.Reason.String())
		}
		return
	}
	if out.Parked {
		p.met.Parked.Inc(res.Payload.Control.String())
	}
	if out.Resolved > 0 {
		p.met.Resolved.Add(res.Payload.Control.String(), int64(out.Resolved))
	}

	// ── 4. Commit ────────────────────────────────────────────────────────
	changed, err := p.coord.Commit(ctx, out.Plan)
	if err != nil {
		// Any early arrivals drained into this plan exist nowhere else now;
		// put them back so a later pass can still apply them.
		p.engine.Repark(out.Drained)
		if errors.Is(err, store.ErrConstraint) {
			// Upstream logic bug: fatal for this plan, never retried.
			p.log.Error("pipeline: constraint violation",
				"envelope", env.Identity, "err", err)
			p.met.Aborted.Inc("constraint_violation")
			p.markProcessed(ctx, env)
			return
		}
		p.ledger.Release(env.Identity)
		p.scheduleRetry(env, "commit failed")
		return
	}

	if out.State == types.StateAborted {
		// Malformed-but-decryptable: the mark-only plan committed so the
		// envelope is never reprocessed, but it counts as an abort.
		p.met.Aborted.Inc(out.Reason.String())
		return
	}

	// ── 5. Fan-out ───────────────────────────────────────────────────────
	p.met.Processed.Inc("")
	p.hub.Publish(changed)
}

// markProcessed durably records the identity of an envelope whose plan is
// fatal. The LRU mark alone does not survive eviction or restart, and the
// transport redelivers until the mark is in the store.
func (p *Pipeline) markProcessed(ctx context.Context, env types.Envelope) {
	plan := &types.PersistencePlan{
		Steps: []types.PlanStep{{Op: types.OpMarkProcessed, Identity: env.Identity}},
	}
	if _, err := p.coord.Commit(ctx, plan); err != nil {
		// Release so transport redelivery repeats the attempt once the store
		// recovers.
		p.log.Error("pipeline: marking aborted envelope failed",
			"envelope", env.Identity, "err", err)
		p.ledger.Release(env.Identity)
	}
}

// scheduleRetry re-enqueues env with exponential backoff, or surfaces the
// failure as persistent once the attempt cap is reached.
func (p *Pipeline) scheduleRetry(env types.Envelope, cause string) {
	if env.Attempt >= p.cfg.RetryMaxAttempts {
		p.log.Error("pipeline: persistent delivery failure",
			"envelope", env.Identity, "attempts", env.Attempt, "cause", cause)
		p.met.Failed.Inc("")
		return
	}

	delay := p.cfg.RetryBaseBackoff << (env.Attempt - 1)
	if delay > p.cfg.RetryMaxBackoff || delay <= 0 {
		delay = p.cfg.RetryMaxBackoff
	}
	env.Attempt++

	p.log.Info("pipeline: scheduling retry",
		"envelope", env.Identity, "attempt", env.Attempt, "delay", delay, "cause", cause)
	p.met.Retried.Inc("")
	p.retries.Schedule(env, time.Now().Add(delay).UnixMilli())
}
