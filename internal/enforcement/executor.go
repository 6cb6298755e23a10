package enforcement

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/events"
	"github.com/rs/zerolog"
)

// Caller performs one intent against the REST gateway and reports the
// flatness of a position for the "already closed" skip. Implemented by
// Adapter (adapter.go), which binds a gateway.RESTClient and the State
// Store together; kept as an interface here so this package has no
// dependency on either concrete type.
type Caller interface {
	Invoke(ctx context.Context, intent Intent) (status int, err error)
	CurrentSize(accountID int64, contractID string) (size int64, fresh bool)
}

// TokenRefresher forces a synchronous token refresh on a 401.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

const (
	maxRetries429 = 5
	max5xxRetries = 5
	backoffCap5xx = 30 * time.Second
)

// Executor owns per-account serialized intent queues and a global
// concurrency cap across accounts (spec §4.12, §5).
type Executor struct {
	caller  Caller
	tokens  TokenRefresher
	bus     *events.Bus
	log     zerolog.Logger
	logRepo *repositories.EnforcementLogRepo

	sem chan struct{} // global cross-account concurrency limit

	mu         sync.Mutex
	queues     map[int64]chan queuedIntent
	inFlight   map[string]bool
	generation map[int64]*int64
}

type queuedIntent struct {
	intent Intent
	done   chan error
}

// NewExecutor constructs the executor with the configured global worker
// count (default 4 per spec §5).
func NewExecutor(caller Caller, tokens TokenRefresher, bus *events.Bus, logRepo *repositories.EnforcementLogRepo, workers int, log zerolog.Logger) *Executor {
	if workers <= 0 {
		workers = 4
	}
	return &Executor{
		caller:     caller,
		tokens:     tokens,
		bus:        bus,
		log:        log.With().Str("component", "enforcement_executor").Logger(),
		logRepo:    logRepo,
		sem:        make(chan struct{}, workers),
		queues:     make(map[int64]chan queuedIntent),
		inFlight:   make(map[string]bool),
		generation: make(map[int64]*int64),
	}
}

// NextGeneration returns the next monotone generation counter for an
// account, used by rule evaluations to tag a fresh remediation fingerprint.
func (e *Executor) NextGeneration(accountID int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.generation[accountID]
	if !ok {
		var zero int64
		g = &zero
		e.generation[accountID] = g
	}
	*g++
	return *g
}

// Submit hands an intent to its account's queue, preserving submission
// order within the account (spec §5). It does not block the caller beyond
// the time needed to enqueue.
func (e *Executor) Submit(ctx context.Context, intent Intent) {
	q := e.accountQueue(intent.AccountID)
	select {
	case q <- queuedIntent{intent: intent}:
	case <-ctx.Done():
	}
}

// SubmitAndWait is like Submit but blocks until the intent has been
// executed (or refused as a duplicate in-flight fingerprint), returning
// any terminal error. Used by tests, where a synchronous result is
// convenient; the dispatcher uses Submit.
func (e *Executor) SubmitAndWait(ctx context.Context, intent Intent) error {
	done := make(chan error, 1)
	q := e.accountQueue(intent.AccountID)
	select {
	case q <- queuedIntent{intent: intent, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) accountQueue(accountID int64) chan queuedIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[accountID]
	if ok {
		return q
	}
	q = make(chan queuedIntent, 256)
	e.queues[accountID] = q
	go e.runAccountWorker(q)
	return q
}

// runAccountWorker drains one account's queue strictly in order, giving
// per-account concurrency of 1 while the global semaphore bounds
// cross-account concurrency.
func (e *Executor) runAccountWorker(q chan queuedIntent) {
	for qi := range q {
		e.sem <- struct{}{}
		err := e.execute(context.Background(), qi.intent)
		<-e.sem
		if qi.done != nil {
			qi.done <- err
		}
	}
}

func (e *Executor) markInFlight(fp string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[fp] {
		return false
	}
	e.inFlight[fp] = true
	return true
}

func (e *Executor) clearInFlight(fp string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, fp)
}

func (e *Executor) execute(ctx context.Context, intent Intent) error {
	fp := intent.fingerprint()

	if intent.Kind == IntentClosePosition || intent.Kind == IntentPartialClose {
		if size, fresh := e.caller.CurrentSize(intent.AccountID, intent.ContractID); fresh && size == 0 {
			e.log.Info().Int64("account_id", intent.AccountID).Str("contract_id", intent.ContractID).
				Msg("skipping close: position already flat")
			return nil
		}
	}

	if !e.markInFlight(fp) {
		e.log.Debug().Str("fingerprint", fp).Msg("duplicate in-flight fingerprint, refusing")
		return nil
	}
	defer e.clearInFlight(fp)

	start := time.Now()
	status, err := e.callWithRetry(ctx, intent)
	latency := time.Since(start)
	if err == nil && status >= 400 {
		err = fmt.Errorf("enforcement: gateway returned HTTP %d", status)
	}

	rec := repositories.Record{
		ID: uuid.NewString(), AccountID: intent.AccountID, Kind: string(intent.Kind), Target: intent.target(),
		Generation: intent.Generation, HTTPStatus: status, LatencyMS: latency.Milliseconds(), CreatedAt: time.Now(),
	}
	if err != nil {
		rec.Outcome = "failed"
		rec.Detail = err.Error()
		_ = e.logRepo.Insert(rec)
		e.bus.Emit(events.EnforcementFailure, intent.AccountID, map[string]interface{}{"kind": intent.Kind, "target": intent.target(), "error": err.Error()})
		e.log.Error().Err(err).Str("kind", string(intent.Kind)).Str("target", intent.target()).Msg("enforcement call failed")
		return err
	}

	rec.Outcome = "success"
	_ = e.logRepo.Insert(rec)
	e.bus.Emit(events.EnforcementSuccess, intent.AccountID, map[string]interface{}{"kind": intent.Kind, "target": intent.target()})
	return nil
}

// callWithRetry implements spec §7's transient-error policy: 429 sleeps a
// configured backoff and retries; 401 forces one token refresh and
// retries; 5xx retries with exponential backoff up to a cap; other 4xx is
// recorded as a refused enforcement and surfaced without automatic retry.
func (e *Executor) callWithRetry(ctx context.Context, intent Intent) (int, error) {
	retried401 := false
	backoff := time.Second

	for attempt := 0; ; attempt++ {
		status, err := e.caller.Invoke(ctx, intent)

		switch {
		case status == 429:
			if attempt >= maxRetries429 {
				return status, err
			}
			e.sleep(ctx, jitter(backoff))
			backoff = minDuration(backoff*2, backoffCap5xx)
			continue

		case status == 401:
			if retried401 {
				return status, err
			}
			retried401 = true
			if _, refreshErr := e.tokens.Refresh(ctx); refreshErr != nil {
				return status, refreshErr
			}
			continue

		case status >= 500:
			if attempt >= max5xxRetries {
				return status, err
			}
			e.sleep(ctx, jitter(backoff))
			backoff = minDuration(backoff*2, backoffCap5xx)
			continue

		case status >= 400:
			return status, err

		default:
			return status, err
		}
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func jitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
