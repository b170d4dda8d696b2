package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/treesync/internal/backend"
)

// Scenario defines a reproducible run against a hierarchy store, a
// coordinator backed by a scripted backend, and a bridge.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Setup seeds the store directly, bypassing coordinator and bridge.
	Setup []EdgeStep `yaml:"setup,omitempty"`

	// Steps run in order. Each step does exactly one thing.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state once every backend call settled.
	Assertions []Assertion `yaml:"assertions"`
}

// EdgeStep is one parent/child relationship.
type EdgeStep struct {
	Parent string  `yaml:"parent"`
	Child  string  `yaml:"child"`
	Order  float64 `yaml:"order"`
}

// Step is one action of the flow.
type Step struct {
	// Notify applies an inbound notification through the bridge.
	Notify *NotifyStep `yaml:"notify,omitempty"`

	// Intent runs a coordinator intent and, unless the backend is held,
	// waits for its backend call to settle.
	Intent *IntentStep `yaml:"intent,omitempty"`

	// Batch runs moves as one all-or-nothing coordinator batch.
	Batch []EdgeStep `yaml:"batch,omitempty"`

	// Hold parks every following backend call until a Release step.
	Hold bool `yaml:"hold,omitempty"`

	// Release lets held calls finish and records their outcomes.
	Release bool `yaml:"release,omitempty"`

	// Fail scripts backend failures consumed by later calls.
	Fail []FailStep `yaml:"fail,omitempty"`

	// Assert checks state at this point of the flow.
	Assert []Assertion `yaml:"assert,omitempty"`
}

// NotifyStep describes a notification. Raw, when set, is decoded from the
// wire format and the other fields are ignored.
type NotifyStep struct {
	Type   string  `yaml:"type"`
	Action string  `yaml:"action"`
	Parent string  `yaml:"parent,omitempty"`
	Child  string  `yaml:"child,omitempty"`
	Node   string  `yaml:"node,omitempty"`
	Order  float64 `yaml:"order,omitempty"`
	Raw    string  `yaml:"raw,omitempty"`
}

// IntentStep describes a coordinator intent.
type IntentStep struct {
	// Op is one of create, move, indent, outdent, delete.
	Op     string `yaml:"op"`
	Node   string `yaml:"node"`
	Parent string `yaml:"parent,omitempty"`
	After  string `yaml:"after,omitempty"`
}

// FailStep queues one failure for the next call of Op.
type FailStep struct {
	Op       string `yaml:"op"`
	Category string `yaml:"category"`
}

// Assertion validates store, backend or failure state.
type Assertion struct {
	// Type selects the check:
	// - "children": Parent's children are exactly Children
	// - "orders": Parent's sort keys are exactly Orders
	// - "parent": Node's parent is Want ("" means detached)
	// - "backend_calls": backend ops so far are exactly Calls
	// - "failures": Count published failures, of Category when set
	// - "diagnostics": Count refused mutations, of Code when set
	// - "needs_rebalancing": NeedsRebalancing(Parent) equals Value
	Type string `yaml:"type"`

	Parent   string    `yaml:"parent,omitempty"`
	Node     string    `yaml:"node,omitempty"`
	Want     string    `yaml:"want,omitempty"`
	Children []string  `yaml:"children,omitempty"`
	Orders   []float64 `yaml:"orders,omitempty"`
	Calls    []string  `yaml:"calls,omitempty"`
	Count    int       `yaml:"count,omitempty"`
	Category string    `yaml:"category,omitempty"`
	Code     string    `yaml:"code,omitempty"`
	Value    *bool     `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertChildren         = "children"
	AssertOrders           = "orders"
	AssertParent           = "parent"
	AssertBackendCalls     = "backend_calls"
	AssertFailures         = "failures"
	AssertDiagnostics      = "diagnostics"
	AssertNeedsRebalancing = "needs_rebalancing"
)

// Intent op constants.
const (
	IntentCreate  = "create"
	IntentMove    = "move"
	IntentIndent  = "indent"
	IntentOutdent = "outdent"
	IntentDelete  = "delete"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, e := range s.Setup {
		if e.Parent == "" || e.Child == "" {
			return fmt.Errorf("setup[%d]: parent and child are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(fmt.Sprintf("assertions[%d]", i), &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	set := 0
	for _, on := range []bool{
		step.Notify != nil, step.Intent != nil, len(step.Batch) > 0,
		step.Hold, step.Release, len(step.Fail) > 0, len(step.Assert) > 0,
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of notify, intent, batch, hold, release, fail, assert is required", index)
	}

	switch {
	case step.Notify != nil:
		n := step.Notify
		if n.Raw == "" && (n.Type == "" || n.Action == "") {
			return fmt.Errorf("steps[%d].notify: type and action are required", index)
		}
	case step.Intent != nil:
		in := step.Intent
		if in.Node == "" {
			return fmt.Errorf("steps[%d].intent: node is required", index)
		}
		switch in.Op {
		case IntentCreate, IntentMove:
			if in.Parent == "" {
				return fmt.Errorf("steps[%d].intent: parent is required for %s", index, in.Op)
			}
		case IntentIndent, IntentOutdent, IntentDelete:
		default:
			return fmt.Errorf("steps[%d].intent: unknown op %q", index, in.Op)
		}
	case len(step.Batch) > 0:
		for j, e := range step.Batch {
			if e.Parent == "" || e.Child == "" {
				return fmt.Errorf("steps[%d].batch[%d]: parent and child are required", index, j)
			}
		}
	case len(step.Fail) > 0:
		for j, f := range step.Fail {
			if !knownOp(f.Op) {
				return fmt.Errorf("steps[%d].fail[%d]: unknown op %q", index, j, f.Op)
			}
			if !knownCategory(backend.Category(f.Category)) {
				return fmt.Errorf("steps[%d].fail[%d]: unknown category %q", index, j, f.Category)
			}
		}
	case len(step.Assert) > 0:
		for j, a := range step.Assert {
			if err := validateAssertion(fmt.Sprintf("steps[%d].assert[%d]", index, j), &a); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(where string, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("%s: type is required", where)
	case AssertChildren, AssertOrders, AssertNeedsRebalancing:
		if a.Parent == "" {
			return fmt.Errorf("%s: parent is required for %s", where, a.Type)
		}
		if a.Type == AssertNeedsRebalancing && a.Value == nil {
			return fmt.Errorf("%s: value is required for %s", where, a.Type)
		}
	case AssertParent:
		if a.Node == "" {
			return fmt.Errorf("%s: node is required for parent", where)
		}
	case AssertBackendCalls:
	case AssertFailures, AssertDiagnostics:
		if a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative for %s", where, a.Type)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}
	return nil
}

func knownOp(op string) bool {
	switch op {
	case backend.OpCreateEdge, backend.OpMoveNode, backend.OpDeleteEdge, backend.OpReorderChildren:
		return true
	}
	return false
}

func knownCategory(c backend.Category) bool {
	switch c {
	case backend.CategoryTimeout, backend.CategoryForeignKey, backend.CategoryDatabaseLocked,
		backend.CategoryInvariant, backend.CategoryUnknown:
		return true
	}
	return false
}
