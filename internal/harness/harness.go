package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/treesync/internal/backend"
	"github.com/roach88/treesync/internal/bridge"
	"github.com/roach88/treesync/internal/coordinator"
	"github.com/roach88/treesync/internal/hierarchy"
	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/testutil"
)

// SettleTimeout bounds how long a step waits for a backend call.
const SettleTimeout = 5 * time.Second

// ErrHeldInFlight is returned when an intent would have to wait for
// operations parked behind a hold step.
var ErrHeldInFlight = errors.New("intent issued while held operations are in flight")

// Harness is the test execution engine.
// It runs scenarios with a deterministic clock and operation ids.
type Harness struct {
	store   *hierarchy.Store
	backend *testutil.ScriptedBackend
	coord   *coordinator.Coordinator
	bridge  *bridge.Bridge
	clock   *testutil.DeterministicClock

	mu       sync.Mutex
	failures []coordinator.Failure

	release  func()
	inFlight []*coordinator.Operation
}

func newHarness() *Harness {
	logger := slog.New(slog.DiscardHandler)
	clock := testutil.NewDeterministicClock()
	h := &Harness{
		store:   hierarchy.New(hierarchy.WithLogger(logger), hierarchy.WithClock(clock.Now)),
		backend: testutil.NewScriptedBackend(),
		clock:   clock,
	}
	h.coord = coordinator.New(h.store, h.backend,
		coordinator.WithLogger(logger),
		coordinator.WithIDGenerator(testutil.NewSequenceGenerator("op")),
		coordinator.WithClock(clock.Now),
		coordinator.WithFailureHandler(h.recordFailure),
		coordinator.WithFailureBuffer(0),
	)
	h.bridge = bridge.New(h.store,
		bridge.WithLogger(logger),
		bridge.WithClock(bridge.NewClock()),
	)
	return h
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh store and scripted backend.
// Execution flow:
// 1. Seed the store from setup
// 2. Execute steps in order, waiting for every backend call that is not held
// 3. Release anything still held and drain the coordinator
// 4. Evaluate assertions against the settled state
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := newHarness()
	defer func() {
		if h.release != nil {
			h.release()
		}
	}()

	for i, e := range scenario.Setup {
		if err := h.store.AddChild(e.Parent, e.Child, e.Order); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if h.release != nil {
		if err := h.releaseHeld(ctx, result); err != nil {
			return nil, err
		}
	}
	drainCtx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()
	if err := h.coord.Drain(drainCtx); err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}

	for _, msg := range EvaluateAssertions(scenario.Assertions, h.assertionContext()) {
		result.AddError(msg)
	}

	var tree bytes.Buffer
	if err := h.store.Render(&tree); err != nil {
		return nil, fmt.Errorf("render tree: %w", err)
	}
	result.Tree = tree.String()
	for _, f := range h.publishedFailures() {
		result.Failures = append(result.Failures,
			fmt.Sprintf("%s retryable=%t %s", f.Category, f.Retryable, f.Description))
	}
	result.Calls = h.backend.Ops()
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	switch {
	case step.Notify != nil:
		h.notify(ctx, step.Notify, result)
		return nil

	case step.Intent != nil:
		return h.intent(ctx, step.Intent, result)

	case len(step.Batch) > 0:
		return h.batch(ctx, step.Batch, result)

	case step.Hold:
		if h.release == nil {
			h.release = h.backend.Hold()
		}
		result.AddTrace(h.clock.Next(), "hold", "backend", "held")
		return nil

	case step.Release:
		if h.release == nil {
			result.AddTrace(h.clock.Next(), "release", "backend", "nothing held")
			return nil
		}
		return h.releaseHeld(ctx, result)

	case len(step.Fail) > 0:
		for _, f := range step.Fail {
			h.backend.FailNext(f.Op, backend.NewError(backend.Category(f.Category), f.Op, "scripted failure", nil))
			result.AddTrace(h.clock.Next(), "fail", f.Op, f.Category)
		}
		return nil

	case len(step.Assert) > 0:
		msgs := EvaluateAssertions(step.Assert, h.assertionContext())
		outcome := "ok"
		if len(msgs) > 0 {
			outcome = "failed"
		}
		result.AddTrace(h.clock.Next(), "assert", fmt.Sprintf("%d checks", len(step.Assert)), outcome)
		for _, msg := range msgs {
			result.AddError(fmt.Sprintf("steps[%d]: %s", index, msg))
		}
		return nil
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) notify(ctx context.Context, step *NotifyStep, result *Result) {
	var n ir.Notification
	if step.Raw != "" {
		decoded, err := bridge.Decode([]byte(step.Raw))
		if err != nil {
			result.AddTrace(h.clock.Next(), "notify", strings.TrimSpace(step.Raw), "decode failed")
			return
		}
		n = decoded
	} else {
		n = buildNotification(step)
	}

	res, err := h.bridge.Apply(ctx, n)
	outcome := string(res)
	if code := hierarchy.ViolationCodeOf(err); code != "" {
		outcome += " (" + string(code) + ")"
	}
	result.AddTrace(h.clock.Next(), "notify", n.Kind()+" "+describe(n), outcome)
}

func buildNotification(step *NotifyStep) ir.Notification {
	action := ir.Action(step.Action)
	switch ir.EntityType(step.Type) {
	case ir.EntityEdge:
		return ir.NewEdgeNotification(action, ir.Edge{ParentID: step.Parent, ChildID: step.Child, Order: step.Order})
	case ir.EntityNode:
		return ir.NewNodeNotification(action, step.Node, nil)
	}
	return ir.Notification{Type: ir.EntityType(step.Type), Action: action, Payload: []byte("{}")}
}

func describe(n ir.Notification) string {
	if e, err := n.Edge(); err == nil {
		return e.String()
	}
	if p, err := n.Node(); err == nil {
		return p.ID
	}
	return string(n.Payload)
}

func (h *Harness) intent(ctx context.Context, step *IntentStep, result *Result) error {
	detail := step.Op + " " + step.Node
	if step.Parent != "" {
		detail += " under " + step.Parent
	}
	if step.After != "" {
		detail += " after " + step.After
	}

	if len(h.inFlight) > 0 {
		return ErrHeldInFlight
	}

	var (
		op  *coordinator.Operation
		err error
	)
	switch step.Op {
	case IntentCreate:
		op, err = h.coord.CreateNode(ctx, step.Parent, step.Node, step.After)
	case IntentMove:
		op, err = h.coord.MoveNode(ctx, step.Node, step.Parent, step.After)
	case IntentIndent:
		op, err = h.coord.Indent(ctx, step.Node)
	case IntentOutdent:
		op, err = h.coord.Outdent(ctx, step.Node)
	case IntentDelete:
		op, err = h.coord.DeleteNode(ctx, step.Node)
	default:
		return fmt.Errorf("unknown intent %q", step.Op)
	}
	if err != nil {
		result.AddTrace(h.clock.Next(), "intent", detail, "error: "+err.Error())
		return nil
	}
	return h.settle(ctx, "intent", detail, op, result)
}

func (h *Harness) batch(ctx context.Context, moves []EdgeStep, result *Result) error {
	changes := make([]coordinator.Change, 0, len(moves))
	parts := make([]string, 0, len(moves))
	for _, m := range moves {
		ids := []string{m.Child, m.Parent}
		if old, ok := h.store.GetParent(m.Child); ok {
			ids = append(ids, old)
		}
		desc := fmt.Sprintf("move %s under %s", m.Child, m.Parent)
		parts = append(parts, fmt.Sprintf("%s @%g", desc, m.Order))
		changes = append(changes, coordinator.Change{
			Description:     desc,
			AffectedNodeIDs: ids,
			Update: func() error {
				if old, ok := h.store.GetParent(m.Child); ok {
					h.store.RemoveChild(old, m.Child)
				}
				return h.store.AddChild(m.Parent, m.Child, m.Order)
			},
			Backend: func(ctx context.Context) error {
				return h.backend.MoveNode(ctx, m.Child, m.Parent, m.Order)
			},
		})
	}

	detail := strings.Join(parts, ", ")
	op, err := h.coord.ExecuteBatch(ctx, changes, coordinator.Options{})
	if err != nil {
		result.AddTrace(h.clock.Next(), "batch", detail, "error: "+err.Error())
		return nil
	}
	return h.settle(ctx, "batch", detail, op, result)
}

// settle waits for op unless the backend is held, in which case op is
// parked until the next release.
func (h *Harness) settle(ctx context.Context, step, detail string, op *coordinator.Operation, result *Result) error {
	if h.release != nil {
		h.inFlight = append(h.inFlight, op)
		result.AddTrace(h.clock.Next(), step, detail, "in flight")
		return nil
	}
	outcome, err := h.wait(ctx, op)
	if err != nil {
		return err
	}
	result.AddTrace(h.clock.Next(), step, detail, outcome)
	return nil
}

func (h *Harness) releaseHeld(ctx context.Context, result *Result) error {
	h.release()
	h.release = nil
	result.AddTrace(h.clock.Next(), "release", "backend", fmt.Sprintf("%d in flight", len(h.inFlight)))

	parked := h.inFlight
	h.inFlight = nil
	for _, op := range parked {
		outcome, err := h.wait(ctx, op)
		if err != nil {
			return err
		}
		result.AddTrace(h.clock.Next(), "settle", op.Description(), outcome)
	}
	return nil
}

func (h *Harness) wait(ctx context.Context, op *coordinator.Operation) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()
	select {
	case <-op.Done():
	case <-waitCtx.Done():
		return "", fmt.Errorf("%s did not settle: %w", op.Description(), waitCtx.Err())
	}
	return outcomeOf(op.Err()), nil
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	category := backend.Classify(err)
	if category.Retryable() {
		return fmt.Sprintf("rolled back (%s, retryable)", category)
	}
	return fmt.Sprintf("rolled back (%s)", category)
}

func (h *Harness) recordFailure(f coordinator.Failure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, f)
}

func (h *Harness) publishedFailures() []coordinator.Failure {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]coordinator.Failure(nil), h.failures...)
}

func (h *Harness) assertionContext() *AssertionContext {
	return &AssertionContext{
		Store:    h.store,
		Calls:    h.backend.Ops(),
		Failures: h.publishedFailures(),
	}
}
