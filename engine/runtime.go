// Package engine is a durable saga execution engine. Workflow logic runs
// as ordinary sequential Go against a replay Context: every effect is
// recorded in an append-only history, every wake replays the history to
// the previous suspension point and advances exactly one step further.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/trellis/fulfillment/engine/history"
	"github.com/trellis/fulfillment/engine/store"
	"github.com/trellis/fulfillment/shared/telemetry"
)

const appendRetryLimit = 16

// Runtime drives saga instances over a durable store. Instances execute
// single-threaded to their next suspension point; different instances run
// in parallel across the worker pool. Serialization per instance comes
// from the store's optimistic sequence check, not from locks.
type Runtime struct {
	store      store.Store
	tel        *telemetry.Telemetry
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
	workers    int

	queue  chan string
	timers *timerService

	mu       sync.Mutex
	queued   map[string]bool
	running  map[string]bool
	rerun    map[string]bool
	inflight map[string]bool

	baseCtx context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	wg      sync.WaitGroup
}

// NewRuntime creates a runtime over the given store. workers bounds the
// number of concurrently advancing instances.
func NewRuntime(st store.Store, tel *telemetry.Telemetry, workers int) *Runtime {
	if workers < 1 {
		workers = 4
	}
	r := &Runtime{
		store:      st,
		tel:        tel,
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
		workers:    workers,
		queue:      make(chan string, 1024),
		queued:     make(map[string]bool),
		running:    make(map[string]bool),
		rerun:      make(map[string]bool),
		inflight:   make(map[string]bool),
		baseCtx:    context.Background(),
	}
	r.timers = newTimerService(r.fireTimer)
	return r
}

// RegisterWorkflow registers a saga definition under a name
func (r *Runtime) RegisterWorkflow(name string, fn WorkflowFunc) {
	r.workflows[name] = fn
}

// RegisterActivity registers an activity implementation under a name
func (r *Runtime) RegisterActivity(name string, fn ActivityFunc) {
	r.activities[name] = fn
}

// Start launches the worker pool and recovers pending work: every
// non-terminal instance is re-enqueued and every scheduled-but-unfired
// timer is re-armed. Activities whose outcome was never recorded are
// re-dispatched by the reconciliation pass; they are idempotent by key.
func (r *Runtime) Start(ctx context.Context) error {
	if r.tel != nil {
		ctx = telemetry.WithTelemetry(ctx, r.tel)
	}
	r.baseCtx, r.cancel = context.WithCancel(ctx)

	r.group, _ = errgroup.WithContext(r.baseCtx)
	for i := 0; i < r.workers; i++ {
		r.group.Go(r.worker)
	}

	pending, err := r.store.PendingTimers(r.baseCtx)
	if err != nil {
		return errors.Wrap(err, "failed to recover timers")
	}
	for _, t := range pending {
		r.timers.Register(t.SagaID, t.CommandID, t.FireAt)
	}

	runnable, err := r.store.RunnableInstances(r.baseCtx)
	if err != nil {
		return errors.Wrap(err, "failed to recover instances")
	}
	for _, id := range runnable {
		r.enqueue(id)
	}

	return nil
}

// Stop drains the runtime: timers are disarmed, workers exit, in-flight
// activity executions are waited for.
func (r *Runtime) Stop() {
	r.timers.Stop()
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		r.group.Wait()
	}
	r.wg.Wait()
}

// StartSaga creates a new root instance and wakes it. Fails with
// store.ErrAlreadyExists when the ID is taken.
func (r *Runtime) StartSaga(ctx context.Context, sagaID, workflow string, input json.RawMessage) error {
	if _, ok := r.workflows[workflow]; !ok {
		return errors.Errorf("workflow not registered: %s", workflow)
	}

	if err := r.store.CreateInstance(ctx, sagaID, history.NewStarted(workflow, input, "", "")); err != nil {
		return err
	}

	telemetry.RecordCounter(r.baseCtx, "saga_started_total", "Saga instances started", 1,
		attribute.String("workflow", workflow))
	r.enqueue(sagaID)
	return nil
}

// Signal appends a SignalReceived event and wakes the instance. The signal
// is durable before the wake, so an instance that is not loaded loses
// nothing. Unknown instances fail with store.ErrNotFound, closed ones with
// ErrAlreadyTerminal.
func (r *Runtime) Signal(ctx context.Context, sagaID, name string, payload json.RawMessage) error {
	if err := r.appendEvent(ctx, sagaID, history.NewSignalReceived(name, payload), nil); err != nil {
		return err
	}

	telemetry.RecordCounter(r.baseCtx, "saga_signals_total", "Signals delivered", 1,
		attribute.String("signal", name))
	r.enqueue(sagaID)
	return nil
}

// QueryResult is the replay-derived view of an instance.
type QueryResult struct {
	Status      map[string]interface{} `json:"status"`
	Terminal    bool                   `json:"terminal"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Query replays the instance and returns its status snapshot. Replay is
// pure: decisions produced during a query are discarded, never persisted.
func (r *Runtime) Query(ctx context.Context, sagaID string) (*QueryResult, error) {
	hist, err := r.store.History(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	started, ok := history.Started(hist)
	if !ok {
		return nil, errors.Errorf("corrupt history for %s: missing started event", sagaID)
	}

	res := &QueryResult{LastUpdated: hist[len(hist)-1].Time}

	if fn, ok := r.workflows[started.Workflow]; ok {
		c := newContext(sagaID, started.Workflow, hist)
		runReplay(fn, c, started.Input)
		res.Status = c.status
	}

	if term, ok := history.Terminal(hist); ok {
		res.Terminal = true
		res.Result = term.Result
		res.Error = term.Error
	}
	return res, nil
}

// History exposes the raw event log of an instance
func (r *Runtime) History(ctx context.Context, sagaID string) ([]history.Event, error) {
	return r.store.History(ctx, sagaID)
}

// --- scheduling ---

// enqueue wakes an instance. Wakes coalesce: an instance is queued at most
// once, and a wake during execution schedules exactly one re-run.
func (r *Runtime) enqueue(sagaID string) {
	r.mu.Lock()
	if r.running[sagaID] {
		r.rerun[sagaID] = true
		r.mu.Unlock()
		return
	}
	if r.queued[sagaID] {
		r.mu.Unlock()
		return
	}
	r.queued[sagaID] = true
	r.mu.Unlock()

	select {
	case r.queue <- sagaID:
	case <-r.baseCtx.Done():
	}
}

func (r *Runtime) worker() error {
	for {
		select {
		case <-r.baseCtx.Done():
			return nil
		case sagaID := <-r.queue:
			r.mu.Lock()
			delete(r.queued, sagaID)
			r.running[sagaID] = true
			r.mu.Unlock()

			r.runTask(r.baseCtx, sagaID)

			r.mu.Lock()
			delete(r.running, sagaID)
			again := r.rerun[sagaID]
			delete(r.rerun, sagaID)
			r.mu.Unlock()
			if again {
				r.enqueue(sagaID)
			}
		}
	}
}

// runTask advances one instance by one replay step: load history, replay
// the workflow, persist the new decisions, apply their effects.
func (r *Runtime) runTask(ctx context.Context, sagaID string) {
	ctx, span := telemetry.StartSpan(ctx, "saga.task")
	defer span.End()
	span.SetAttributes(attribute.String("saga_id", sagaID))

	hist, err := r.store.History(ctx, sagaID)
	if err != nil {
		telemetry.RecordCounter(ctx, "saga_task_errors_total", "Task failures", 1)
		return
	}
	if _, done := history.Terminal(hist); done {
		return
	}

	started, ok := history.Started(hist)
	if !ok {
		return
	}

	fn, registered := r.workflows[started.Workflow]
	if !registered {
		r.appendEvent(ctx, sagaID, history.NewFailed("workflow not registered: "+started.Workflow), nil)
		return
	}

	telemetry.RecordCounter(ctx, "saga_replays_total", "History replays", 1,
		attribute.String("workflow", started.Workflow))

	c := newContext(sagaID, started.Workflow, hist)
	outcome := runReplay(fn, c, started.Input)

	newEvents := append([]history.Event(nil), c.decisions...)
	switch {
	case outcome.nondeterminism != nil:
		// A diverging replay must never write business decisions.
		newEvents = []history.Event{history.NewFailed(outcome.nondeterminism.Error())}
		telemetry.RecordCounter(ctx, "saga_nondeterminism_total", "Nondeterministic replays", 1,
			attribute.String("workflow", started.Workflow))
	case outcome.suspended:
		// Keep buffered decisions, wait for the next event.
	case outcome.err != nil:
		newEvents = append(newEvents, history.NewFailed(outcome.err.Error()))
	default:
		result, err := marshalArg(outcome.result)
		if err != nil {
			newEvents = append(newEvents, history.NewFailed(fmt.Sprintf("unmarshalable workflow result: %v", err)))
		} else {
			newEvents = append(newEvents, history.NewCompleted(result))
		}
	}

	if len(newEvents) > 0 {
		expectedSeq := hist[len(hist)-1].Seq
		if _, err := r.store.Append(ctx, sagaID, expectedSeq, newEvents); err != nil {
			if store.IsConflict(err) {
				// Another writer extended the history first; replay
				// against the fresh version instead of double-applying.
				r.enqueue(sagaID)
				return
			}
			telemetry.RecordCounter(ctx, "saga_task_errors_total", "Task failures", 1)
			return
		}
		hist = append(hist, newEvents...)
	}

	// Redeliver every outbound signal in history, not just this task's.
	// Delivery dedupes against the target, so a crash between appending
	// SignalSent and handing it over is repaired on the next wake.
	for _, ev := range hist {
		if ev.Type == history.EventSignalSent {
			r.deliverExternalSignal(ctx, sagaID, ev)
		}
	}

	for _, ev := range newEvents {
		if ev.IsTerminal() {
			telemetry.RecordCounter(ctx, "saga_finished_total", "Saga instances finished", 1,
				attribute.String("workflow", started.Workflow),
				attribute.Bool("failed", ev.Type == history.EventFailed))
			r.notifyParent(ctx, sagaID, started, ev)
			return
		}
	}

	r.reconcile(ctx, sagaID, hist)
}

// replayOutcome is what one execution of a workflow function produced.
type replayOutcome struct {
	result         interface{}
	err            error
	suspended      bool
	nondeterminism *nondeterminismError
}

func runReplay(fn WorkflowFunc, c *Context, input json.RawMessage) (out replayOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			switch v := rec.(type) {
			case suspendSignal:
				out.suspended = true
			case *nondeterminismError:
				out.nondeterminism = v
			default:
				// Workflow code must not panic; treat it as a fatal
				// engine condition visible to operators.
				out.err = errors.Errorf("workflow panic: %v", v)
			}
		}
	}()
	out.result, out.err = fn(c, input)
	return out
}

// reconcile re-dispatches pending work derivable from history: activities
// without a recorded outcome, children not yet created or already
// terminal, timers not yet armed. Called after every task and therefore
// also after restarts.
func (r *Runtime) reconcile(ctx context.Context, sagaID string, hist []history.Event) {
	resolved := make(map[string]bool)
	for _, ev := range hist {
		switch ev.Type {
		case history.EventActivityCompleted, history.EventActivityFailed,
			history.EventTimerFired, history.EventTimerCanceled,
			history.EventChildCompleted, history.EventChildFailed:
			resolved[ev.CommandID] = true
		}
	}

	for _, ev := range hist {
		if resolved[ev.CommandID] {
			continue
		}
		switch ev.Type {
		case history.EventActivityScheduled:
			r.dispatchActivity(sagaID, ev)
		case history.EventTimerScheduled:
			r.timers.Register(sagaID, ev.CommandID, ev.FireAt)
		case history.EventChildScheduled:
			r.reconcileChild(ctx, sagaID, ev)
		}
	}
}

// dispatchActivity runs a scheduled activity in the background, at most
// once per process; the recorded outcome wakes the instance.
func (r *Runtime) dispatchActivity(sagaID string, sched history.Event) {
	key := sagaID + "/" + sched.CommandID

	r.mu.Lock()
	if r.inflight[key] {
		r.mu.Unlock()
		return
	}
	r.inflight[key] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
		}()

		outcome, recorded := r.executeActivity(r.baseCtx, sagaID, sched)
		if !recorded {
			// Shutdown interrupted the attempt. The scheduled command
			// stays unresolved so the next reconcile re-dispatches it.
			return
		}
		dedupe := func(hist []history.Event) bool {
			for _, ev := range hist {
				if ev.CommandID == sched.CommandID &&
					(ev.Type == history.EventActivityCompleted || ev.Type == history.EventActivityFailed) {
					return true
				}
			}
			return false
		}
		if err := r.appendEvent(r.baseCtx, sagaID, outcome, dedupe); err == nil {
			r.enqueue(sagaID)
		}
	}()
}

// reconcileChild creates the child instance if it does not exist yet, or
// routes its terminal outcome back if it already finished.
func (r *Runtime) reconcileChild(ctx context.Context, parentID string, sched history.Event) {
	childHist, err := r.store.History(ctx, sched.ChildID)
	if errors.Is(err, store.ErrNotFound) {
		started := history.NewStarted(sched.Workflow, sched.Input, parentID, sched.CommandID)
		if err := r.store.CreateInstance(ctx, sched.ChildID, started); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return
		}
		telemetry.RecordCounter(ctx, "saga_started_total", "Saga instances started", 1,
			attribute.String("workflow", sched.Workflow))
		r.enqueue(sched.ChildID)
		return
	}
	if err != nil {
		return
	}

	if term, done := history.Terminal(childHist); done {
		// A child that crashed between appending SignalSent and handing
		// it over never wakes again; repair its deliveries here before
		// the outcome, so the parent observes signal then result.
		for _, ev := range childHist {
			if ev.Type == history.EventSignalSent {
				r.deliverExternalSignal(ctx, sched.ChildID, ev)
			}
		}
		r.deliverChildOutcome(ctx, parentID, sched.CommandID, sched.ChildID, term)
	}
}

// notifyParent routes a child's terminal event to its parent exactly once
func (r *Runtime) notifyParent(ctx context.Context, childID string, started, terminal history.Event) {
	if started.Parent == "" {
		return
	}
	r.deliverChildOutcome(ctx, started.Parent, started.CommandID, childID, terminal)
}

func (r *Runtime) deliverChildOutcome(ctx context.Context, parentID, commandID, childID string, terminal history.Event) {
	var notice history.Event
	if terminal.Type == history.EventCompleted {
		notice = history.NewChildCompleted(commandID, childID, terminal.Result)
	} else {
		notice = history.NewChildFailed(commandID, childID, terminal.Error)
	}

	dedupe := func(hist []history.Event) bool {
		for _, ev := range hist {
			if ev.CommandID == commandID &&
				(ev.Type == history.EventChildCompleted || ev.Type == history.EventChildFailed) {
				return true
			}
		}
		return false
	}
	if err := r.appendEvent(ctx, parentID, notice, dedupe); err == nil {
		r.enqueue(parentID)
	}
}

// deliverExternalSignal appends a sender's SignalSent event to its target
// as a SignalReceived, at most once. The delivery marker ties the received
// event back to the sender's command so redelivery is idempotent.
func (r *Runtime) deliverExternalSignal(ctx context.Context, senderID string, sent history.Event) {
	marker := senderID + "/" + sent.CommandID
	dedupe := func(hist []history.Event) bool {
		for _, ev := range hist {
			if ev.Type == history.EventSignalReceived && ev.CommandID == marker {
				return true
			}
		}
		return false
	}

	ev := history.NewSignalDelivered(marker, sent.Name, sent.Input)
	err := r.appendEvent(ctx, sent.Target, ev, dedupe)
	switch {
	case err == nil:
		telemetry.RecordCounter(ctx, "saga_signals_total", "Signals delivered", 1,
			attribute.String("signal", sent.Name))
		r.enqueue(sent.Target)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrAlreadyTerminal):
		// Target gone or closed; the sender's own terminal event still
		// carries the outcome.
	default:
		telemetry.RecordCounter(ctx, "saga_signal_delivery_errors_total", "External signal delivery failures", 1,
			attribute.String("signal", sent.Name))
	}
}

// fireTimer appends TimerFired once per timer ID. A fire racing a
// superseding transition is deduplicated against history; a fire for a
// timer the workflow no longer awaits is recorded and ignored (no-op) by
// the replay.
func (r *Runtime) fireTimer(sagaID, commandID string) {
	dedupe := func(hist []history.Event) bool {
		for _, ev := range hist {
			if ev.CommandID == commandID &&
				(ev.Type == history.EventTimerFired || ev.Type == history.EventTimerCanceled) {
				return true
			}
		}
		return false
	}

	if err := r.appendEvent(r.baseCtx, sagaID, history.NewTimerFired(commandID), dedupe); err == nil {
		telemetry.RecordCounter(r.baseCtx, "saga_timer_fired_total", "Timers fired", 1)
		r.enqueue(sagaID)
	}
}

// appendEvent appends a single event against the freshest sequence,
// retrying through conflicts. dedupe short-circuits when the event (or an
// equivalent) is already recorded, making the append exactly-once. Fails
// with ErrAlreadyTerminal once the instance is closed.
func (r *Runtime) appendEvent(ctx context.Context, sagaID string, ev history.Event, dedupe func([]history.Event) bool) error {
	for i := 0; i < appendRetryLimit; i++ {
		hist, err := r.store.History(ctx, sagaID)
		if err != nil {
			return err
		}
		if _, done := history.Terminal(hist); done {
			return ErrAlreadyTerminal
		}
		if dedupe != nil && dedupe(hist) {
			return nil
		}

		_, err = r.store.Append(ctx, sagaID, hist[len(hist)-1].Seq, []history.Event{ev})
		if store.IsConflict(err) {
			continue
		}
		return err
	}
	return errors.Errorf("append to %s kept conflicting after %d retries", sagaID, appendRetryLimit)
}
