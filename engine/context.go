package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine/history"
)

// ActivityOptions and RetryPolicy are recorded with each scheduled
// activity; see the history package.
type (
	ActivityOptions = history.ActivityOptions
	RetryPolicy     = history.RetryPolicy
)

// WorkflowFunc is a saga definition. It must be deterministic: every
// decision it makes may depend only on its input and on recorded history,
// accessed through the Context. Real time, randomness and I/O are proxied
// through activities and timers.
type WorkflowFunc func(c *Context, input json.RawMessage) (interface{}, error)

// suspendSignal aborts workflow execution at a suspension point. It is
// recovered by the runtime, never by workflow code.
type suspendSignal struct{}

// Timer is a handle to a scheduled durable timer.
type Timer struct {
	id     string
	fireAt time.Time
}

// FireAt returns the recorded wall-clock fire time
func (t Timer) FireAt() time.Time {
	return t.fireAt
}

// Condition is a source Await can select on.
type Condition struct {
	signal string
	timer  *Timer
}

// OnSignal awaits the next unconsumed signal with the given name
func OnSignal(name string) Condition {
	return Condition{signal: name}
}

// OnTimer awaits the fire of a scheduled timer
func OnTimer(t Timer) Condition {
	return Condition{timer: &t}
}

// Context carries a single deterministic execution of a saga instance.
// Each wake replays the workflow function from the start against full
// history; commands already recorded return their outcome, the first
// unresolved command suspends execution.
type Context struct {
	sagaID   string
	workflow string
	hist     []history.Event

	decisions []history.Event
	counters  map[string]int

	// position is the highest history sequence this execution has
	// consumed through a command outcome or Await. Non-blocking polls
	// only see events below it, which keeps poll results stable across
	// replays.
	position int
	now      time.Time

	sigCursor     map[string]int
	timerConsumed map[string]bool

	status map[string]interface{}
}

func newContext(sagaID, workflow string, hist []history.Event) *Context {
	c := &Context{
		sagaID:        sagaID,
		workflow:      workflow,
		hist:          hist,
		counters:      make(map[string]int),
		sigCursor:     make(map[string]int),
		timerConsumed: make(map[string]bool),
		status:        make(map[string]interface{}),
	}
	if started, ok := history.Started(hist); ok {
		c.position = started.Seq
		c.now = started.Time
	}
	return c
}

// SagaID returns the instance ID
func (c *Context) SagaID() string {
	return c.sagaID
}

// Now returns deterministic time: the recorded time of the last consumed
// event, never the wall clock.
func (c *Context) Now() time.Time {
	return c.now
}

// SetStatus records a field of the externally queryable status snapshot.
// The snapshot is rebuilt on every replay, so it is always a pure function
// of history.
func (c *Context) SetStatus(key string, value interface{}) {
	c.status[key] = value
}

// ExecuteActivity schedules the named activity and blocks until its
// recorded outcome. A non-nil output receives the unmarshaled result.
// Failure past the retry budget returns *ActivityError.
func (c *Context) ExecuteActivity(name string, input, output interface{}, opts ActivityOptions) error {
	inputJSON, err := marshalArg(input)
	if err != nil {
		panic(&nondeterminismError{commandID: name, detail: fmt.Sprintf("unmarshalable activity input: %v", err)})
	}

	id := c.nextCommandID("activity")
	sched := c.findScheduled(id)
	if sched == nil {
		c.decisions = append(c.decisions, history.NewActivityScheduled(id, name, inputJSON, opts))
		c.suspend()
	}

	if sched.Type != history.EventActivityScheduled || sched.Name != name {
		panic(&nondeterminismError{commandID: id, detail: fmt.Sprintf("history has %s %q, replay requested activity %q", sched.Type, sched.Name, name)})
	}
	if !bytes.Equal(sched.Input, inputJSON) {
		panic(&nondeterminismError{commandID: id, detail: fmt.Sprintf("activity %s input diverged from recorded input", name)})
	}

	outcome := c.findOutcome(id, history.EventActivityCompleted, history.EventActivityFailed)
	if outcome == nil {
		c.suspend()
	}

	c.consume(outcome)
	if outcome.Type == history.EventActivityFailed {
		return &ActivityError{Name: name, Reason: outcome.Error, Attempts: outcome.Attempts}
	}
	if output != nil && len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, output); err != nil {
			return errors.Wrapf(err, "failed to unmarshal result of activity %s", name)
		}
	}
	return nil
}

// NewTimer schedules a durable timer d past the current deterministic
// time. It does not block; pass the handle to Await.
func (c *Context) NewTimer(d time.Duration) Timer {
	id := c.nextCommandID("timer")
	if sched := c.findScheduled(id); sched != nil {
		if sched.Type != history.EventTimerScheduled {
			panic(&nondeterminismError{commandID: id, detail: fmt.Sprintf("history has %s, replay requested timer", sched.Type)})
		}
		return Timer{id: id, fireAt: sched.FireAt}
	}

	fireAt := c.now.Add(d)
	c.decisions = append(c.decisions, history.NewTimerScheduled(id, fireAt))
	return Timer{id: id, fireAt: fireAt}
}

// Await blocks until one of the conditions is satisfiable from history and
// consumes it. When several are ready it picks the one recorded first.
// Returns the index of the winning condition and the signal payload, nil
// for timers.
func (c *Context) Await(conds ...Condition) (int, json.RawMessage) {
	winner := -1
	var winnerEv *history.Event

	for i, cond := range conds {
		var candidate *history.Event
		switch {
		case cond.signal != "":
			candidate = c.nthSignal(cond.signal, c.sigCursor[cond.signal])
		case cond.timer != nil:
			if !c.timerConsumed[cond.timer.id] {
				candidate = c.findOutcome(cond.timer.id, history.EventTimerFired, history.EventTimerFired)
			}
		}
		if candidate != nil && (winnerEv == nil || candidate.Seq < winnerEv.Seq) {
			winner = i
			winnerEv = candidate
		}
	}

	if winnerEv == nil {
		c.suspend()
	}

	if conds[winner].signal != "" {
		c.sigCursor[conds[winner].signal]++
	} else {
		c.timerConsumed[conds[winner].timer.id] = true
	}
	c.consume(winnerEv)
	return winner, winnerEv.Input
}

// PollSignal consumes the next pending signal with the given name without
// blocking. Only signals recorded before the execution's current position
// are visible, so a poll that returned false keeps returning false at the
// same point of every future replay.
func (c *Context) PollSignal(name string, v interface{}) bool {
	ev := c.nthSignal(name, c.sigCursor[name])
	if ev == nil || ev.Seq > c.position {
		return false
	}
	c.sigCursor[name]++
	c.now = ev.Time
	if v != nil && len(ev.Input) > 0 {
		// Payload shape is the sender's concern; a mismatch leaves v as is.
		_ = json.Unmarshal(ev.Input, v)
	}
	return true
}

// ExecuteChild starts a child saga and blocks until its terminal outcome.
// Child failure returns *ChildError.
func (c *Context) ExecuteChild(workflow, childID string, input, output interface{}) error {
	inputJSON, err := marshalArg(input)
	if err != nil {
		panic(&nondeterminismError{commandID: workflow, detail: fmt.Sprintf("unmarshalable child input: %v", err)})
	}

	id := c.nextCommandID("child")
	sched := c.findScheduled(id)
	if sched == nil {
		c.decisions = append(c.decisions, history.NewChildScheduled(id, childID, workflow, inputJSON))
		c.suspend()
	}

	if sched.Type != history.EventChildScheduled || sched.Workflow != workflow || sched.ChildID != childID {
		panic(&nondeterminismError{commandID: id, detail: fmt.Sprintf("history has %s %s/%s, replay requested %s/%s", sched.Type, sched.Workflow, sched.ChildID, workflow, childID)})
	}

	outcome := c.findOutcome(id, history.EventChildCompleted, history.EventChildFailed)
	if outcome == nil {
		c.suspend()
	}

	c.consume(outcome)
	if outcome.Type == history.EventChildFailed {
		return &ChildError{ChildID: childID, Reason: outcome.Error}
	}
	if output != nil && len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, output); err != nil {
			return errors.Wrapf(err, "failed to unmarshal result of child %s", childID)
		}
	}
	return nil
}

// SignalExternal delivers a signal to another saga instance. Fire and
// forget: the send is recorded once and performed after the decision is
// persisted, replays do not resend.
func (c *Context) SignalExternal(target, name string, payload interface{}) {
	payloadJSON, err := marshalArg(payload)
	if err != nil {
		panic(&nondeterminismError{commandID: name, detail: fmt.Sprintf("unmarshalable signal payload: %v", err)})
	}

	id := c.nextCommandID("signal")
	if sched := c.findScheduled(id); sched != nil {
		if sched.Type != history.EventSignalSent || sched.Name != name || sched.Target != target {
			panic(&nondeterminismError{commandID: id, detail: fmt.Sprintf("history has %s %q->%q, replay requested %q->%q", sched.Type, sched.Name, sched.Target, name, target)})
		}
		return
	}
	c.decisions = append(c.decisions, history.NewSignalSent(id, target, name, payloadJSON))
}

// --- internals ---

func (c *Context) suspend() {
	panic(suspendSignal{})
}

func (c *Context) nextCommandID(kind string) string {
	c.counters[kind]++
	return fmt.Sprintf("%s:%d", kind, c.counters[kind])
}

var scheduledTypes = map[history.EventType]bool{
	history.EventActivityScheduled: true,
	history.EventTimerScheduled:    true,
	history.EventChildScheduled:    true,
	history.EventSignalSent:        true,
}

func (c *Context) findScheduled(commandID string) *history.Event {
	for i := range c.hist {
		if c.hist[i].CommandID == commandID && scheduledTypes[c.hist[i].Type] {
			return &c.hist[i]
		}
	}
	return nil
}

func (c *Context) findOutcome(commandID string, success, failure history.EventType) *history.Event {
	for i := range c.hist {
		if c.hist[i].CommandID == commandID && (c.hist[i].Type == success || c.hist[i].Type == failure) {
			return &c.hist[i]
		}
	}
	return nil
}

func (c *Context) nthSignal(name string, n int) *history.Event {
	seen := 0
	for i := range c.hist {
		if c.hist[i].Type == history.EventSignalReceived && c.hist[i].Name == name {
			if seen == n {
				return &c.hist[i]
			}
			seen++
		}
	}
	return nil
}

func (c *Context) consume(ev *history.Event) {
	if ev.Seq > c.position {
		c.position = ev.Seq
	}
	c.now = ev.Time
}

func marshalArg(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
